package throughput

import (
	"encoding/binary"
	"fmt"

	"github.com/openqos/shaperd/pkg/kernel"
)

// rawCounterSize is the byte width of one per-CPU value in the
// throughput map. Layout (all little-endian, matching the host byte
// order the XDP program writes in): bytes down/up, packets down/up,
// tcp/udp/icmp down/up byte counts, last_seen (boot-nanoseconds),
// tcp retransmits down/up, CAKE marks, CAKE drops, tc_handle.
// Retransmits/marks/drops are cumulative counters the kernel program
// maintains per IP alongside the byte/packet totals, mirrored here the
// same way those totals are (saturating-subtracted once per tick), so
// the Network Tree's per-ancestor retransmit/mark/drop deltas have a
// real data source.
const rawCounterSize = 8*4 + 8*6 + 8 + 8*4 + 4

func decodeRawCounter(b []byte) (RawSample, uint32, error) {
	if len(b) < rawCounterSize {
		return RawSample{}, 0, fmt.Errorf("throughput: short per-CPU value: %d bytes", len(b))
	}
	var s RawSample
	s.BytesDown = binary.LittleEndian.Uint64(b[0:8])
	s.BytesUp = binary.LittleEndian.Uint64(b[8:16])
	s.PacketsDown = binary.LittleEndian.Uint64(b[16:24])
	s.PacketsUp = binary.LittleEndian.Uint64(b[24:32])
	s.Proto.TCPDown = binary.LittleEndian.Uint64(b[32:40])
	s.Proto.TCPUp = binary.LittleEndian.Uint64(b[40:48])
	s.Proto.UDPDown = binary.LittleEndian.Uint64(b[48:56])
	s.Proto.UDPUp = binary.LittleEndian.Uint64(b[56:64])
	s.Proto.ICMPDown = binary.LittleEndian.Uint64(b[64:72])
	s.Proto.ICMPUp = binary.LittleEndian.Uint64(b[72:80])
	s.LastSeenNanos = binary.LittleEndian.Uint64(b[80:88])
	s.RetransmitsDown = binary.LittleEndian.Uint64(b[88:96])
	s.RetransmitsUp = binary.LittleEndian.Uint64(b[96:104])
	s.CakeMarks = binary.LittleEndian.Uint64(b[104:112])
	s.CakeDrops = binary.LittleEndian.Uint64(b[112:120])
	tcHandle := binary.LittleEndian.Uint32(b[120:124])
	return s, tcHandle, nil
}

// sumPerCPU sums byte/packet counters across every CPU slot and takes
// the maximum last_seen across CPUs.
func sumPerCPU(entry kernel.PerCPUEntry) (RawSample, uint32, error) {
	var total RawSample
	var tcHandle uint32
	for _, raw := range entry.Values {
		s, h, err := decodeRawCounter(raw)
		if err != nil {
			return RawSample{}, 0, err
		}
		total.BytesDown += s.BytesDown
		total.BytesUp += s.BytesUp
		total.PacketsDown += s.PacketsDown
		total.PacketsUp += s.PacketsUp
		total.Proto.TCPDown += s.Proto.TCPDown
		total.Proto.TCPUp += s.Proto.TCPUp
		total.Proto.UDPDown += s.Proto.UDPDown
		total.Proto.UDPUp += s.Proto.UDPUp
		total.Proto.ICMPDown += s.Proto.ICMPDown
		total.Proto.ICMPUp += s.Proto.ICMPUp
		total.RetransmitsDown += s.RetransmitsDown
		total.RetransmitsUp += s.RetransmitsUp
		total.CakeMarks += s.CakeMarks
		total.CakeDrops += s.CakeDrops
		if s.LastSeenNanos > total.LastSeenNanos {
			total.LastSeenNanos = s.LastSeenNanos
		}
		// All per-CPU slots for a given IP carry the same class handle;
		// the last non-zero one wins if somehow they disagree.
		if h != 0 {
			tcHandle = h
		}
	}
	return total, tcHandle, nil
}
