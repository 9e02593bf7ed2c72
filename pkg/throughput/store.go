package throughput

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/openqos/shaperd/pkg/ipaddr"
)

// Store is the sharded concurrent IP-counter table: many readers, one
// writer (the tick). orcaman/concurrent-map/v2 shards its backing map across 32
// buckets, each independently locked, so reads of distinct IPs never
// contend and the tick (the sole writer) only blocks readers of the
// exact shard it's currently touching.
type Store struct {
	m cmap.ConcurrentMap[string, *IPCounter]
}

// NewStore creates an empty counter store.
func NewStore() *Store {
	return &Store{m: cmap.New[*IPCounter]()}
}

func key(ip ipaddr.Key) string {
	return string(ip[:])
}

// GetOrCreate returns the existing counter for ip, creating a fresh one
// the first time the kernel reports a packet for it.
func (s *Store) GetOrCreate(ip ipaddr.Key) *IPCounter {
	k := key(ip)
	if c, ok := s.m.Get(k); ok {
		return c
	}
	c := &IPCounter{IP: ip}
	s.m.SetIfAbsent(k, c)
	existing, _ := s.m.Get(k)
	return existing
}

// Get returns the counter for ip without creating one.
func (s *Store) Get(ip ipaddr.Key) (*IPCounter, bool) {
	return s.m.Get(key(ip))
}

// Remove deletes the entry for ip, used during age-out.
func (s *Store) Remove(ip ipaddr.Key) {
	s.m.Remove(key(ip))
}

// Len returns the number of tracked IPs.
func (s *Store) Len() int {
	return s.m.Count()
}

// Range calls fn for every tracked IP. fn must not mutate the store.
func (s *Store) Range(fn func(c *IPCounter)) {
	for item := range s.m.IterBuffered() {
		fn(item.Val)
	}
}

// Snapshot returns a defensive copy of every counter currently tracked,
// safe to hand to a Bus/WebSocket reader without holding any lock.
func (s *Store) Snapshot() []IPCounter {
	out := make([]IPCounter, 0, s.m.Count())
	s.Range(func(c *IPCounter) {
		out = append(out, *c)
	})
	return out
}
