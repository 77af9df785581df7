package registry

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set HOST_BRIDGE_ETCD to a comma-separated endpoint list to run against a
// live etcd.
func etcdEndpoints(t *testing.T) []string {
	v := os.Getenv("HOST_BRIDGE_ETCD")
	if v == "" {
		t.Skip("HOST_BRIDGE_ETCD not set")
	}
	return strings.Split(v, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	require.NoError(t, err)
	defer reg.Close()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Version: "1.0"}

	require.NoError(t, reg.Register("cad", inst1, 10))
	require.NoError(t, reg.Register("cad", inst2, 10))

	instances, err := reg.Discover("cad")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	require.NoError(t, reg.Deregister("cad", inst1.Addr))
	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("cad")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst2.Addr, instances[0].Addr)

	reg.Deregister("cad", inst2.Addr)
}
