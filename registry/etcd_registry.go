package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/host-bridge/"

// requestTimeout bounds each etcd round trip.
const requestTimeout = 5 * time.Second

// EtcdRegistry implements the Registry interface using etcd v3.
//
//	Key:   /host-bridge/{HostName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the bridge process dies, the lease
// expires and the entry disappears, so requesters never dial a stale port.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu      sync.Mutex
	leases  map[string]context.CancelFunc // key -> stops its KeepAlive
	closing context.Context
	close   context.CancelFunc
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
// The logger is also handed to the etcd client.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: requestTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	closing, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client:  c,
		logger:  logger.With(zap.String("component", "registry")),
		leases:  make(map[string]context.CancelFunc),
		closing: closing,
		close:   cancel,
	}, nil
}

func instanceKey(hostName, addr string) string {
	return keyPrefix + hostName + "/" + addr
}

// Register adds an instance to etcd with a TTL lease and keeps the lease alive
// until Deregister or Close.
func (r *EtcdRegistry) Register(hostName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.closing, requestTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(hostName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	keepCtx, stop := context.WithCancel(r.closing)
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		stop()
		return err
	}

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev()
	}
	r.leases[key] = stop
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended", zap.String("key", key))
	}()
	return nil
}

// Deregister removes an instance and stops renewing its lease.
func (r *EtcdRegistry) Deregister(hostName string, addr string) error {
	key := instanceKey(hostName, addr)

	r.mu.Lock()
	if stop, ok := r.leases[key]; ok {
		stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch emits the full instance list whenever anything under the host's
// prefix changes.
func (r *EtcdRegistry) Watch(hostName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + hostName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.closing, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list rather than applying individual events
			instances, err := r.Discover(hostName)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.Error(err))
				continue
			}
			ch <- instances
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a host.
func (r *EtcdRegistry) Discover(hostName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.closing, requestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, keyPrefix+hostName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops all lease renewals and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.close()
	return r.client.Close()
}
