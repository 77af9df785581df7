// Package registry lets a bridge announce where it is listening, so requesters
// can find the bridge of a given host by name instead of by port.
package registry

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Discover callers that need at least one instance.
var ErrNotFound = errors.New("registry: no instance registered")

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Version string `json:"version,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

type Registry interface {
	Register(hostName string, instance ServiceInstance, ttl int64) error
	Deregister(hostName string, addr string) error
	Discover(hostName string) ([]ServiceInstance, error)
	Watch(hostName string) <-chan []ServiceInstance
}

// StaticRegistry is an in-process Registry. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (r *StaticRegistry) Register(hostName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[hostName]
	for i, inst := range insts {
		if inst.Addr == instance.Addr {
			insts[i] = instance
			r.notify(hostName)
			return nil
		}
	}
	r.instances[hostName] = append(insts, instance)
	r.notify(hostName)
	return nil
}

func (r *StaticRegistry) Deregister(hostName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[hostName]
	for i, inst := range insts {
		if inst.Addr == addr {
			r.instances[hostName] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	r.notify(hostName)
	return nil
}

func (r *StaticRegistry) Discover(hostName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServiceInstance, len(r.instances[hostName]))
	copy(out, r.instances[hostName])
	return out, nil
}

// Watch returns a channel that receives the full instance list after every
// change. Slow readers miss intermediate lists, never the latest one.
func (r *StaticRegistry) Watch(hostName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	r.watchers[hostName] = append(r.watchers[hostName], ch)
	return ch
}

// notify must be called with r.mu held.
func (r *StaticRegistry) notify(hostName string) {
	snapshot := make([]ServiceInstance, len(r.instances[hostName]))
	copy(snapshot, r.instances[hostName])
	for _, ch := range r.watchers[hostName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
