// Package hotcache implements the IP→class hot cache: a short-lived
// lookup fast path that must be flushed in bulk whenever the
// authoritative IP→class map changes. It is kept in
// userspace (mirroring the XDP program's own BPF_MAP_TYPE_LRU_HASH fast
// path) so the Bus Server and WebSocket layer can answer "what class is
// this IP in right now" without touching the kernel map on every query.
package hotcache

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/openqos/shaperd/pkg/ipaddr"
)

// Cache wraps a fastcache.Cache keyed by the 16-byte mapped IP, storing
// the 4-byte little-endian TC class handle.
type Cache struct {
	c *fastcache.Cache
}

// New creates a hot cache sized in bytes (fastcache rounds up to a
// minimum of 32MB internally).
func New(maxBytes int) *Cache {
	return &Cache{c: fastcache.New(maxBytes)}
}

// Put records the resolved class handle for ip.
func (c *Cache) Put(ip ipaddr.Key, classHandle uint32) {
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], classHandle)
	c.c.Set(ip[:], v[:])
}

// Get returns the cached class handle for ip, if present.
func (c *Cache) Get(ip ipaddr.Key) (classHandle uint32, ok bool) {
	v, found := c.c.HasGet(nil, ip[:])
	if !found || len(v) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

// Flush discards every cached entry. Called whenever the
// authoritative IP→class map is mutated in bulk.
func (c *Cache) Flush() {
	c.c.Reset()
}
