package flows

import (
	"time"

	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/kernel"
)

// LocalIPChecker reports whether ip belongs to a locally shaped
// subscriber device. Ingest uses it to decide a packet's direction:
// local-as-destination is "down" traffic, local-as-source is "up".
// The daemon satisfies it with an adapter over the shaped-device
// table (an IP that resolves to a shaped device is local).
type LocalIPChecker interface {
	IsLocal(ip ipaddr.Key) bool
}

// TCP flag bits as the kernel event encodes them (fin=1, syn=2,
// rst=4, ...).
const (
	tcpFlagFIN = 1 << 0
	tcpFlagSYN = 1 << 1
	tcpFlagRST = 1 << 2
)

// pending tracks the most recent TCP timestamp-option state per
// direction of one flow. The perf event carries no raw TCP
// sequence number (it stops at tcp_tsval/
// tcp_tsecr; reaching the real seq/ack would mean parsing the embedded
// packet_data bytes, which this daemon doesn't do), so a repeated tsval
// in the same direction stands in for "retransmit", the same signal
// passive RTT/retransmit estimators (e.g. tcptrace) use when
// sequence numbers aren't directly available.
type pending struct {
	haveTSValDown, haveTSValUp bool
	tsValDown, tsValUp         uint32
	tsSentAtDown, tsSentAtUp   uint64
}

// Ingestor folds kernel.PerfEvent records, one per observed packet,
// into a RecentFlows ring: one Data per 5-tuple, retransmits inferred
// from repeated TCP timestamps, RTT samples derived from TCP
// timestamp-option echoes.
type Ingestor struct {
	rf        *RecentFlows
	local     LocalIPChecker
	lookupASN bool
	state     map[Key]*pending
}

// NewIngestor builds an Ingestor writing into rf, using local to
// determine packet direction. When tagASN is true, each newly created
// flow is tagged with the ASN/country owning its remote address by
// consulting ActiveASNTable() at record time, always the latest
// snapshot, so a 24h refresh takes effect without
// rebuilding the Ingestor.
func NewIngestor(rf *RecentFlows, local LocalIPChecker, tagASN bool) *Ingestor {
	return &Ingestor{
		rf:        rf,
		local:     local,
		lookupASN: tagASN,
		state:     make(map[Key]*pending),
	}
}

// Record handles one kernel.PerfEvent, updating (or creating) the
// corresponding Flow Data and recording it into the RecentFlows ring.
// now is wall-clock time for the ring's idle-eviction bookkeeping;
// flow start/last-seen times and RTT samples use the event's own
// kernel boot-nanosecond TimestampBootNanos.
func (ing *Ingestor) Record(ev kernel.PerfEvent, now time.Time) {
	down := ing.local != nil && ing.local.IsLocal(ev.Dst)
	up := ing.local != nil && ing.local.IsLocal(ev.Src)
	if !down && !up {
		// Neither endpoint is a known local device: still worth
		// tracking (e.g. transit or pre-resolution traffic), default
		// to "down" so the flow isn't silently dropped.
		down = true
	}

	remote, local := ev.Src, ev.Dst
	srcPort, dstPort := ev.SrcPort, ev.DstPort
	if up {
		remote, local = ev.Dst, ev.Src
		srcPort, dstPort = ev.DstPort, ev.SrcPort
	}
	key := Key{
		RemoteIP: remote,
		LocalIP:  local,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Proto:    Protocol(ev.IPProtocol),
	}

	st, ok := ing.state[key]
	if !ok {
		st = &pending{}
		ing.state[key] = st
	}

	existing := ing.lookup(key)
	d := existing
	created := d == nil
	if created {
		d = &Data{Key: key, StartBootNanos: ev.TimestampBootNanos}
		if ing.lookupASN {
			table := ActiveASNTable()
			addr := remote.Addr()
			if asn, ok := table.LookupASN(addr); ok {
				d.ASN = asn
			}
			if country, ok := table.LookupCountry(addr); ok {
				d.Country = country
			}
		}
	}
	d.LastSeenBootNanos = ev.TimestampBootNanos
	d.TOS = ev.TOS
	d.TCPFlags = ev.TCPFlags
	d.TSValEcho = ev.TCPTSVal
	d.TSEcrEcho = ev.TCPTSEcr

	if down {
		d.BytesDown += uint64(ev.Size)
		d.PacketsDown++
	} else {
		d.BytesUp += uint64(ev.Size)
		d.PacketsUp++
	}

	if Protocol(ev.IPProtocol) == 6 { // TCP
		ing.trackTCP(st, down, ev, d)
		if ev.TCPFlags&tcpFlagFIN != 0 {
			d.Status = StatusFIN
		} else if ev.TCPFlags&tcpFlagRST != 0 {
			d.Status = StatusRST
		}
	}

	ing.rf.Upsert(d, now)
}

// trackTCP updates one direction's timestamp-option state, counting a
// retransmit when tsval repeats within the same direction and recording
// an RTT sample when this packet's tsecr echoes a tsval the flow
// previously sent in the opposite direction.
func (ing *Ingestor) trackTCP(st *pending, down bool, ev kernel.PerfEvent, d *Data) {
	if ev.TCPTSVal != 0 {
		if down {
			if st.haveTSValDown && st.tsValDown == ev.TCPTSVal {
				d.RetransmitsDown++
			}
			st.tsValDown, st.tsSentAtDown, st.haveTSValDown = ev.TCPTSVal, ev.TimestampBootNanos, true
		} else {
			if st.haveTSValUp && st.tsValUp == ev.TCPTSVal {
				d.RetransmitsUp++
			}
			st.tsValUp, st.tsSentAtUp, st.haveTSValUp = ev.TCPTSVal, ev.TimestampBootNanos, true
		}
	}
	if ev.TCPTSEcr == 0 {
		return
	}
	if down && st.haveTSValUp && ev.TCPTSEcr == st.tsValUp {
		addRTTSample(&d.RTTDown, ev.TimestampBootNanos-st.tsSentAtUp)
	} else if !down && st.haveTSValDown && ev.TCPTSEcr == st.tsValDown {
		addRTTSample(&d.RTTUp, ev.TimestampBootNanos-st.tsSentAtDown)
	}
}

// addRTTSample converts a boot-nanosecond delta into the fixed-point-ms
// representation the RTT rings store, and drops
// anything absurd (a stale or wrapped timestamp) rather than poisoning
// the ring with a bogus outlier.
func addRTTSample(ring *RTTRing4, deltaNanos uint64) {
	const maxPlausible = 10 * time.Second
	d := time.Duration(deltaNanos)
	if d <= 0 || d > maxPlausible {
		return
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		return
	}
	if ms > 0xFFFF {
		ms = 0xFFFF
	}
	ring.Add(uint16(ms))
}

// lookup finds an existing Data for key.
func (ing *Ingestor) lookup(key Key) *Data {
	d, _ := ing.rf.Get(key)
	return d
}

// Forget drops a flow's sequence/timestamp tracking state once it's no
// longer in the recent-flows ring. EvictIdle does not call it.
func (ing *Ingestor) Forget(key Key) {
	delete(ing.state, key)
}
