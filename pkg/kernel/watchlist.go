package kernel

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/log"
)

// watchIdleTimeout is how long a watched IP stays flagged without a
// refresh before it's removed from the kernel-side watch map.
const watchIdleTimeout = 5 * time.Second

// Watchlist is a
// bounded-TTL set of IPs currently under ad-hoc packet-level
// inspection. It mirrors a PinnedMap entry per watched IP
// and expires entries on both sides once the TTL lapses.
type Watchlist struct {
	mu         sync.Mutex
	expiration map[ipaddr.Key]time.Time
	backing    *PinnedMap
}

// NewWatchlist wraps the pinned watched-IP map at path.
func NewWatchlist(path string) (*Watchlist, error) {
	m, err := OpenPinned(path)
	if err != nil {
		return nil, err
	}
	return &Watchlist{
		expiration: make(map[ipaddr.Key]time.Time),
		backing:    m,
	}, nil
}

// Watch flags ip for inspection, refreshing its expiry if already
// watched. The kernel-side map entry is written only on first watch;
// subsequent calls just bump the in-memory expiry, since the eBPF
// program only needs presence, not a timestamp.
func (w *Watchlist) Watch(ip ipaddr.Key) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, already := w.expiration[ip]
	w.expiration[ip] = time.Now().Add(watchIdleTimeout)
	if already {
		return nil
	}
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, 1)
	return w.backing.Upsert(ip[:], value)
}

// Expire removes any watch entries whose TTL has lapsed, both from the
// in-memory set and the kernel map. Run this once per second alongside
// the Throughput Tracker's tick.
func (w *Watchlist) Expire() {
	now := time.Now()
	w.mu.Lock()
	var stale []ipaddr.Key
	for ip, exp := range w.expiration {
		if now.After(exp) {
			stale = append(stale, ip)
		}
	}
	for _, ip := range stale {
		delete(w.expiration, ip)
	}
	w.mu.Unlock()

	for _, ip := range stale {
		if err := w.backing.Delete(ip[:]); err != nil {
			log.With("kernel").Warn().Err(err).Str("ip", ip.String()).Msg("failed to remove expired watchlist entry")
		}
	}
}

// Watching reports whether ip currently has a live watch entry.
func (w *Watchlist) Watching(ip ipaddr.Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.expiration[ip]
	return ok && time.Now().Before(exp)
}

// Close releases the backing pinned map.
func (w *Watchlist) Close() error {
	return w.backing.Close()
}
