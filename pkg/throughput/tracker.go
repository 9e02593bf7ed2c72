// Package throughput implements the Throughput Tracker: the 1Hz
// consumer of the kernel's per-CPU counter map that turns raw
// byte/packet totals into per-IP rates, resolves each IP to a shaped
// circuit, ages out silent IPs, and publishes aggregate bits/s and
// packets/s figures for the rest of the daemon to read.
package throughput

import (
	"sync/atomic"
	"time"

	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/kernel"
	"github.com/openqos/shaperd/pkg/log"
	"github.com/openqos/shaperd/pkg/nettree"
)

// graceTicks is the single extra tick an IP survives past the
// configured idle threshold before it's dropped. Expressed in ticks
// rather than wall-clock since the tracker always runs at 1Hz.
const graceTicks = 1

// CircuitResolver resolves an observed IP to the shaped circuit it
// belongs to. Implemented by pkg/shapeddevices's LPM trie; declared
// here (rather than imported there) so this package has no dependency
// on shaped-device loading and can be tested with a fake.
type CircuitResolver interface {
	Resolve(ip ipaddr.Key) (circuitID string, ancestorIndexes []int, ok bool)
}

// Aggregates holds the whole-node totals the rest of the daemon reads:
// WebSocket's 1s "throughput" channel and the Bus's GetCurrentThroughput
// query both read these same atomics.
type Aggregates struct {
	bitsDown, bitsUp             atomic.Uint64
	packetsDown, packetsUp       atomic.Uint64
	shapedBitsDown, shapedBitsUp atomic.Uint64
}

// Snapshot is a point-in-time read of the aggregates.
type Snapshot struct {
	BitsPerSecondDown, BitsPerSecondUp             uint64
	PacketsPerSecondDown, PacketsPerSecondUp       uint64
	ShapedBitsPerSecondDown, ShapedBitsPerSecondUp uint64
}

// Load takes a consistent-enough snapshot for reporting purposes. The
// six fields are not read atomically as a group; readers only need
// each field to never appear torn, which a single atomic load
// guarantees per field.
func (a *Aggregates) Load() Snapshot {
	return Snapshot{
		BitsPerSecondDown:       a.bitsDown.Load(),
		BitsPerSecondUp:         a.bitsUp.Load(),
		PacketsPerSecondDown:    a.packetsDown.Load(),
		PacketsPerSecondUp:      a.packetsUp.Load(),
		ShapedBitsPerSecondDown: a.shapedBitsDown.Load(),
		ShapedBitsPerSecondUp:   a.shapedBitsUp.Load(),
	}
}

// CounterSource is the subset of *kernel.PinnedMap the tracker needs,
// narrowed to an interface so the tick can be exercised in tests
// without a real pinned eBPF map.
type CounterSource interface {
	Iterate(visit func(entry kernel.PerCPUEntry)) error
}

// Tracker owns the per-IP store and the 1Hz tick that refreshes it.
type Tracker struct {
	Store      *Store
	Aggregates Aggregates

	counters           CounterSource
	resolver           CircuitResolver
	idleThresholdTicks int
	sampleRTT          func(ip ipaddr.Key) (uint16, bool)
}

// Option configures optional Tracker behavior.
type Option func(*Tracker)

// WithRTTSampler installs a callback the tick calls once per IP per
// cycle to obtain a fresh RTT sample (from the kernel's TCP-RTT probe
// or, on a stick deployment, a synthetic source). Tests typically omit
// this; production wiring supplies the kernel-backed sampler.
func WithRTTSampler(fn func(ip ipaddr.Key) (uint16, bool)) Option {
	return func(t *Tracker) { t.sampleRTT = fn }
}

// NewTracker builds a Tracker over the given pinned counter map.
// idleThresholdSeconds sets the number of consecutive silent ticks
// before an IP ages out; the Bakery's queue-idle threshold is fed the
// same value so queues and tracker entries expire together.
func NewTracker(counters CounterSource, resolver CircuitResolver, idleThresholdSeconds int, opts ...Option) *Tracker {
	t := &Tracker{
		Store:              NewStore(),
		counters:           counters,
		resolver:           resolver,
		idleThresholdTicks: idleThresholdSeconds,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run ticks once per second until stopCh is closed. Callers that want
// deterministic single-step control in tests should call Tick directly
// instead.
func (t *Tracker) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := t.Tick(); err != nil {
				log.With("throughput").Warn().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick executes one full pass: it reads
// the kernel's per-CPU counters, updates per-IP totals and rates,
// resolves circuit identity, ages out silent entries, folds in RTT
// samples, and republishes the whole-node aggregates.
func (t *Tracker) Tick() error {
	var agg Aggregates
	seen := make(map[ipaddr.Key]struct{}, t.Store.Len())
	samples := make([]nettree.TickSample, 0, t.Store.Len())

	err := t.counters.Iterate(func(entry kernel.PerCPUEntry) {
		var ip ipaddr.Key
		if len(entry.Key) != len(ip) {
			return
		}
		copy(ip[:], entry.Key)

		sample, tcHandle, decodeErr := sumPerCPU(entry)
		if decodeErr != nil {
			log.With("throughput").Warn().Err(decodeErr).Msg("skipping malformed counter entry")
			return
		}
		seen[ip] = struct{}{}

		c := t.Store.GetOrCreate(ip)
		c.prevBytesDown, c.prevBytesUp = c.TotalBytesDown, c.TotalBytesUp
		c.prevRetransmitsDown, c.prevRetransmitsUp = c.TotalRetransmitsDown, c.TotalRetransmitsUp
		c.prevCakeMarks, c.prevCakeDrops = c.TotalCakeMarks, c.TotalCakeDrops
		deltaDown := saturatingSub(sample.BytesDown, c.prevBytesDown)
		deltaUp := saturatingSub(sample.BytesUp, c.prevBytesUp)
		deltaPacketsDown := saturatingSub(sample.PacketsDown, c.TotalPacketsDown)
		deltaPacketsUp := saturatingSub(sample.PacketsUp, c.TotalPacketsUp)
		deltaRetransmit := saturatingSub(sample.RetransmitsDown, c.prevRetransmitsDown) +
			saturatingSub(sample.RetransmitsUp, c.prevRetransmitsUp)
		deltaCakeMarks := saturatingSub(sample.CakeMarks, c.prevCakeMarks)
		deltaCakeDrops := saturatingSub(sample.CakeDrops, c.prevCakeDrops)

		// An IP is idle this tick when the kernel's last_seen timestamp
		// didn't advance (no new packet arrived) rather than
		// whether the key was present in the map at all (a pinned map
		// entry typically outlives the flow it describes). absentTicks
		// tracks the latter case separately in ageOut.
		if sample.LastSeenNanos == c.LastSeenNanos {
			c.idleTicks++
		} else {
			c.idleTicks = 0
		}
		c.absentTicks = 0

		c.TotalBytesDown = sample.BytesDown
		c.TotalBytesUp = sample.BytesUp
		c.TotalPacketsDown = sample.PacketsDown
		c.TotalPacketsUp = sample.PacketsUp
		c.Proto = sample.Proto
		c.LastSeenNanos = sample.LastSeenNanos
		c.TCHandle = tcHandle
		c.BytesPerSecondDown = deltaDown
		c.BytesPerSecondUp = deltaUp
		c.TotalRetransmitsDown = sample.RetransmitsDown
		c.TotalRetransmitsUp = sample.RetransmitsUp
		c.TotalCakeMarks = sample.CakeMarks
		c.TotalCakeDrops = sample.CakeDrops
		c.RetransmitDelta = deltaRetransmit
		c.CakeMarkDelta = deltaCakeMarks
		c.CakeDropDelta = deltaCakeDrops

		if t.resolver != nil {
			if circuitID, ancestors, ok := t.resolver.Resolve(ip); ok {
				c.CircuitID = circuitID
				c.AncestorIndexes = ancestors
			}
		}
		var rttSample uint16
		if t.sampleRTT != nil {
			if rtt, ok := t.sampleRTT(ip); ok {
				c.RTT.Add(rtt)
				rttSample = rtt
			}
		}

		agg.bitsDown.Add(deltaDown * 8)
		agg.bitsUp.Add(deltaUp * 8)
		agg.packetsDown.Add(deltaPacketsDown)
		agg.packetsUp.Add(deltaPacketsUp)
		if c.Shaped() {
			agg.shapedBitsDown.Add(deltaDown * 8)
			agg.shapedBitsUp.Add(deltaUp * 8)
		}

		if len(c.AncestorIndexes) > 0 {
			samples = append(samples, nettree.TickSample{
				AncestorIndexes: c.AncestorIndexes,
				DownBytesPerSec: deltaDown,
				UpBytesPerSec:   deltaUp,
				RetransmitDelta: deltaRetransmit,
				CakeMarkDelta:   deltaCakeMarks,
				CakeDropDelta:   deltaCakeDrops,
				RTTSample:       rttSample,
			})
		}
	})
	if err != nil {
		return err
	}

	t.ageOut(seen)
	nettree.ApplyTick(samples)

	t.Aggregates.bitsDown.Store(agg.bitsDown.Load())
	t.Aggregates.bitsUp.Store(agg.bitsUp.Load())
	t.Aggregates.packetsDown.Store(agg.packetsDown.Load())
	t.Aggregates.packetsUp.Store(agg.packetsUp.Load())
	t.Aggregates.shapedBitsDown.Store(agg.shapedBitsDown.Load())
	t.Aggregates.shapedBitsUp.Store(agg.shapedBitsUp.Load())
	return nil
}

// ageOut drops IPs idle or absent for longer than their respective
// bound. Two distinct rules apply: an IP present in
// the kernel map but whose last_seen stopped advancing survives the
// full configured idle threshold (plus one grace tick); an IP that's
// vanished from the kernel map entirely (a different condition,
// tracked independently) survives only graceTicks before being
// dropped, since there is no longer a kernel entry to reconcile against.
func (t *Tracker) ageOut(seenThisTick map[ipaddr.Key]struct{}) {
	idleThreshold := t.idleThresholdTicks + graceTicks
	var stale []ipaddr.Key
	t.Store.Range(func(c *IPCounter) {
		if _, ok := seenThisTick[c.IP]; !ok {
			c.absentTicks++
		}
		if c.idleTicks > idleThreshold || c.absentTicks > graceTicks {
			stale = append(stale, c.IP)
		}
	})
	for _, ip := range stale {
		t.Store.Remove(ip)
	}
}
