package flows

import (
	"testing"
	"time"

	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/kernel"
)

type allLocal struct{}

func (allLocal) IsLocal(ip ipaddr.Key) bool { return ip == localTestIP }

var (
	localTestIP  = ipaddr.Key{15: 1}
	remoteTestIP = ipaddr.Key{15: 2}
)

func TestIngestorRecordsDownstreamBytes(t *testing.T) {
	rf := NewRecentFlows()
	ing := NewIngestor(rf, allLocal{}, false)

	now := time.Unix(1000, 0)
	ing.Record(kernel.PerfEvent{
		TimestampBootNanos: 1,
		Src:                remoteTestIP,
		Dst:                localTestIP,
		SrcPort:            443,
		DstPort:            51000,
		IPProtocol:         6,
		Size:               1000,
	}, now)

	flows := rf.Snapshot()
	if len(flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(flows))
	}
	d := flows[0]
	if d.BytesDown != 1000 || d.BytesUp != 0 {
		t.Fatalf("expected 1000 bytes down, got down=%d up=%d", d.BytesDown, d.BytesUp)
	}
	if d.Key.RemoteIP != remoteTestIP || d.Key.LocalIP != localTestIP {
		t.Fatalf("unexpected flow key %+v", d.Key)
	}
}

func TestIngestorDetectsRetransmitFromRepeatedTSVal(t *testing.T) {
	rf := NewRecentFlows()
	ing := NewIngestor(rf, allLocal{}, false)
	now := time.Unix(1000, 0)

	ev := kernel.PerfEvent{
		TimestampBootNanos: 1,
		Src:                remoteTestIP,
		Dst:                localTestIP,
		SrcPort:            443,
		DstPort:            51000,
		IPProtocol:         6,
		Size:               500,
		TCPTSVal:           5000,
	}
	ing.Record(ev, now)
	ev.TimestampBootNanos = 2
	ing.Record(ev, now) // same tsval again: retransmit

	flows := rf.Snapshot()
	if len(flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(flows))
	}
	if flows[0].RetransmitsDown != 1 {
		t.Fatalf("expected 1 retransmit, got %d", flows[0].RetransmitsDown)
	}
}

func TestIngestorComputesRTTFromTimestampEcho(t *testing.T) {
	rf := NewRecentFlows()
	ing := NewIngestor(rf, allLocal{}, false)
	now := time.Unix(1000, 0)

	// Down packet carries tsval=100, sent at boot-nanos=1_000_000.
	ing.Record(kernel.PerfEvent{
		TimestampBootNanos: 1_000_000,
		Src:                remoteTestIP,
		Dst:                localTestIP,
		SrcPort:            443,
		DstPort:            51000,
		IPProtocol:         6,
		TCPTSVal:           100,
	}, now)

	// Up reply echoes tsval=100 as tsecr 20ms (20_000_000ns) later.
	ing.Record(kernel.PerfEvent{
		TimestampBootNanos: 21_000_000,
		Src:                localTestIP,
		Dst:                remoteTestIP,
		SrcPort:            51000,
		DstPort:            443,
		IPProtocol:         6,
		TCPTSEcr:           100,
	}, now)

	flows := rf.Snapshot()
	if len(flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(flows))
	}
	median, ok := flows[0].RTTDown.Median()
	if !ok {
		t.Fatal("expected an RTT sample")
	}
	if median != 20 {
		t.Fatalf("expected 20ms RTT, got %d", median)
	}
}
