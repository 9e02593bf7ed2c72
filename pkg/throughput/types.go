package throughput

import (
	"github.com/openqos/shaperd/pkg/ipaddr"
)

// ProtocolCounts holds per-protocol byte counts, down and up.
type ProtocolCounts struct {
	TCPDown, TCPUp   uint64
	UDPDown, UDPUp   uint64
	ICMPDown, ICMPUp uint64
}

// RawSample is one kernel-side per-CPU-summed observation for a single
// IP, as produced by decoding the raw per-CPU map entry (see decode.go).
type RawSample struct {
	BytesDown, BytesUp             uint64
	PacketsDown, PacketsUp         uint64
	Proto                          ProtocolCounts
	LastSeenNanos                  uint64
	RetransmitsDown, RetransmitsUp uint64
	CakeMarks, CakeDrops           uint64
}

// IPCounter is one tracked IP's rolling counter state.
type IPCounter struct {
	IP ipaddr.Key

	TotalBytesDown, TotalBytesUp     uint64
	TotalPacketsDown, TotalPacketsUp uint64
	Proto                            ProtocolCounts

	LastSeenNanos uint64
	TCHandle      uint32

	RTT RTTRing

	// CircuitID and AncestorIndexes are resolved once per tick from the
	// shaped-device LPM trie and cached here so per-query lookups (Bus,
	// WebSocket) don't re-walk the trie.
	CircuitID       string
	AncestorIndexes []int

	// BytesPerSecondDown/Up are this tick's computed rate; prevBytes*
	// are the previous tick's totals used to compute the next delta
	// (saturating subtraction, so a kernel counter reset reads as zero).
	BytesPerSecondDown, BytesPerSecondUp uint64
	prevBytesDown, prevBytesUp           uint64

	// TotalRetransmitsDown/Up, TotalCakeMarks/Drops are cumulative
	// kernel counters mirrored the same way TotalBytesDown/Up are;
	// RetransmitDelta/CakeMarkDelta/CakeDropDelta are this tick's
	// saturating-subtracted deltas, published into the Network Tree
	// once per tick.
	TotalRetransmitsDown, TotalRetransmitsUp uint64
	TotalCakeMarks, TotalCakeDrops           uint64
	prevRetransmitsDown, prevRetransmitsUp   uint64
	prevCakeMarks, prevCakeDrops             uint64
	RetransmitDelta                          uint64
	CakeMarkDelta, CakeDropDelta             uint64

	// idleTicks counts consecutive ticks where the kernel counter for
	// this IP was present but its last_seen timestamp didn't advance
	// (the ~15-minute idle-threshold rule: no new
	// packet arrived). absentTicks counts consecutive ticks where the
	// IP was missing from the kernel map entirely, a distinct, much
	// tighter rule ("entries whose kernel counter is missing are kept
	// for one grace tick"). The two must stay separate: an entry that
	// vanishes outright is dropped within one grace tick regardless of
	// how recently it was idle, while one that's merely gone quiet
	// survives the full idle threshold.
	idleTicks   int
	absentTicks int
}

// Shaped reports whether this IP currently belongs to a known circuit
// (TC handle != 0:0); only shaped IPs count toward the shaped-bits/s
// aggregate.
func (c *IPCounter) Shaped() bool {
	return c.TCHandle != 0
}

// saturatingSub clamps the delta at zero, so a kernel counter reset
// (e.g. map clear) between ticks never produces a huge wrapped value.
func saturatingSub(newV, oldV uint64) uint64 {
	if newV < oldV {
		return 0
	}
	return newV - oldV
}
