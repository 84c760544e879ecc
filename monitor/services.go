package monitor

import (
	"sync"

	"github.com/fabricmon/console/fabric"
)

// ServiceCache is the process-wide view of the fabric's service registry.
// Readers always observe either the last full refresh with zero or more
// event patches applied, never a partially replaced state.
//
// Every mutation bumps a generation counter. A full refresh passes the
// generation it observed before issuing its registry query; if events moved
// the cache on while the query was in flight, the now-stale snapshot is
// rejected rather than silently overwriting the newer patches.
type ServiceCache struct {
	mu      sync.RWMutex
	entries map[string]fabric.ServiceDescriptor
	gen     uint64
}

func NewServiceCache() *ServiceCache {
	return &ServiceCache{entries: make(map[string]fabric.ServiceDescriptor)}
}

// Snapshot returns a copy of the current cache keyed by service GUID.
// Descriptors are shared and must be treated as immutable by callers.
func (c *ServiceCache) Snapshot() map[string]fabric.ServiceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]fabric.ServiceDescriptor, len(c.entries))
	for guid, d := range c.entries {
		out[guid] = d
	}
	return out
}

// Generation returns the cache's current generation counter.
func (c *ServiceCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// ReplaceAll atomically replaces the whole cache with entries, provided the
// cache's generation still equals gen. Returns false (and leaves the cache
// untouched) when the snapshot has been made stale by interleaved patches.
func (c *ServiceCache) ReplaceAll(gen uint64, entries map[string]fabric.ServiceDescriptor) bool {
	fresh := make(map[string]fabric.ServiceDescriptor, len(entries))
	for guid, d := range entries {
		fresh[guid] = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.entries = fresh
	c.gen++
	return true
}

// ApplyRegister upserts one descriptor keyed by its GUID. Descriptors
// without a GUID are rejected.
func (c *ServiceCache) ApplyRegister(d fabric.ServiceDescriptor) bool {
	guid := d.GUID()
	if guid == "" {
		return false
	}
	c.mu.Lock()
	c.entries[guid] = d
	c.gen++
	c.mu.Unlock()
	return true
}

// ApplyUnregister removes the descriptor's entry if present; absence is a
// valid no-op. The generation is bumped either way so an in-flight full
// refresh cannot resurrect a service this event removed.
func (c *ServiceCache) ApplyUnregister(d fabric.ServiceDescriptor) bool {
	guid := d.GUID()
	if guid == "" {
		return false
	}
	c.mu.Lock()
	_, existed := c.entries[guid]
	delete(c.entries, guid)
	c.gen++
	c.mu.Unlock()
	return existed
}

// Len reports the number of cached services.
func (c *ServiceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
