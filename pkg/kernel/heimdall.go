package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"

	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/log"
)

// heimdallEventSize is the kernel event record's wire size:
// 8 (timestamp) + 16 + 16 (src/dst
// addresses) + 2 + 2 (ports) + 1 + 1 (proto, tos) + 4 (size) + 1
// (tcp_flags) + 2 (tcp_window) + 4 + 4 (tsval, tsecr) + 128 (packet_data).
// The daemon has no use for the raw packet bytes, so PerfEvent below
// decodes only the fixed header and ignores the trailing payload.
const heimdallEventSize = 8 + 16 + 16 + 2 + 2 + 1 + 1 + 4 + 1 + 2 + 4 + 4 + 128

// PerfEvent is one
// packet observation pushed by the kernel program into the Heimdall
// perf-event array, the source of each flow's TCP timestamp-echo
// fields.
type PerfEvent struct {
	TimestampBootNanos uint64
	Src                ipaddr.Key
	Dst                ipaddr.Key
	SrcPort            uint16
	DstPort            uint16
	IPProtocol         uint8
	TOS                uint8
	Size               uint32
	TCPFlags           uint8
	TCPWindow          uint16
	TCPTSVal           uint32
	TCPTSEcr           uint32
}

// decodePerfEvent parses the fixed-size header of a HeimdallEvent
// record, matching perf_interface.rs's #[repr(C)] field order exactly.
// It returns false (without error) for short records, mirroring the
// original's "data too small" warn-and-skip behavior.
func decodePerfEvent(raw []byte) (PerfEvent, bool) {
	if len(raw) < heimdallEventSize {
		return PerfEvent{}, false
	}
	var ev PerfEvent
	off := 0
	ev.TimestampBootNanos = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	copy(ev.Src[:], raw[off:off+16])
	off += 16
	copy(ev.Dst[:], raw[off:off+16])
	off += 16
	ev.SrcPort = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	ev.DstPort = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	ev.IPProtocol = raw[off]
	off++
	ev.TOS = raw[off]
	off++
	ev.Size = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	ev.TCPFlags = raw[off]
	off++
	ev.TCPWindow = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	ev.TCPTSVal = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	ev.TCPTSEcr = binary.LittleEndian.Uint32(raw[off:])
	return ev, true
}

// HeimdallReader consumes the kernel's per-packet perf-event stream and
// hands each decoded record to a caller-supplied handler. It owns no
// flow state itself; pkg/flows owns the mirrored, enriched flow data.
type HeimdallReader struct {
	reader *perf.Reader
}

// OpenHeimdallReader opens the pinned PERF_EVENT_ARRAY map at path and
// prepares to read per-packet event records from it.
func OpenHeimdallReader(path string) (*HeimdallReader, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("kernel: opening heimdall perf map %s: %w", path, err)
	}
	rd, err := perf.NewReader(m, 4096*heimdallEventSize)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("kernel: opening heimdall perf reader: %w", err)
	}
	return &HeimdallReader{reader: rd}, nil
}

// Run blocks, decoding records and invoking handler for each one, until
// Close is called (which unblocks the underlying perf reader with
// perf.ErrClosed). Run a single HeimdallReader on a dedicated
// goroutine so the blocking read never stalls the async event loop.
func (h *HeimdallReader) Run(handler func(PerfEvent)) error {
	l := log.With("kernel.heimdall")
	for {
		record, err := h.reader.Read()
		if err != nil {
			if err == perf.ErrClosed {
				return nil
			}
			l.Warn().Err(err).Msg("heimdall perf read failed")
			continue
		}
		if record.LostSamples > 0 {
			l.Warn().Uint64("lost", record.LostSamples).Msg("heimdall perf ring dropped samples")
		}
		ev, ok := decodePerfEvent(record.RawSample)
		if !ok {
			l.Warn().Msg("incoming data too small in Heimdall buffer")
			continue
		}
		handler(ev)
	}
}

// Close releases the perf reader and its backing map fd.
func (h *HeimdallReader) Close() error {
	return h.reader.Close()
}
