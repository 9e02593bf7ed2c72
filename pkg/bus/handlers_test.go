package bus

import (
	"context"
	"net/netip"
	"testing"

	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/issues"
	"github.com/openqos/shaperd/pkg/throughput"
)

func TestHandlePingAck(t *testing.T) {
	h := &Handlers{}
	resp := h.Handle(context.Background(), Request{Kind: ReqPing})
	if !resp.Ack {
		t.Fatalf("expected ack, got %+v", resp)
	}
}

func TestHandleUnknownKindIsTypedError(t *testing.T) {
	h := &Handlers{}
	resp := h.Handle(context.Background(), Request{Kind: RequestKind("bogus")})
	if resp.Error == "" {
		t.Fatalf("expected a typed error for an unknown kind, got %+v", resp)
	}
}

func TestHostCounts(t *testing.T) {
	tracker := throughput.NewTracker(nil, nil, 900)
	shapedIP := ipaddr.FromAddr(netip.MustParseAddr("192.0.2.1"))
	unknownIP := ipaddr.FromAddr(netip.MustParseAddr("192.0.2.2"))
	c1 := tracker.Store.GetOrCreate(shapedIP)
	c1.TCHandle = 0x10064
	tracker.Store.GetOrCreate(unknownIP)

	h := &Handlers{Tracker: tracker}
	resp := h.Handle(context.Background(), Request{Kind: ReqHostCounts})
	if resp.HostCounts == nil {
		t.Fatalf("expected host counts payload, got %+v", resp)
	}
	if resp.HostCounts.Shaped != 1 || resp.HostCounts.Unknown != 1 {
		t.Fatalf("expected 1 shaped and 1 unknown host, got %+v", resp.HostCounts)
	}
}

func TestTopDownloadersOrderingAndPagination(t *testing.T) {
	tracker := throughput.NewTracker(nil, nil, 900)
	for i := 0; i < 5; i++ {
		addr := netip.AddrFrom4([4]byte{192, 0, 2, byte(i + 1)})
		c := tracker.Store.GetOrCreate(ipaddr.FromAddr(addr))
		c.BytesPerSecondDown = uint64((i + 1) * 100)
	}

	h := &Handlers{Tracker: tracker}
	resp := h.Handle(context.Background(), Request{Kind: ReqTopDownloaders, Start: 0, End: 2})
	if len(resp.IPStats) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(resp.IPStats))
	}
	if resp.IPStats[0].BitsPerSecondDown < resp.IPStats[1].BitsPerSecondDown {
		t.Fatalf("expected descending order, got %+v", resp.IPStats)
	}
}

func TestIssuesSnapshot(t *testing.T) {
	ring := issues.New()
	ring.Post(issues.SeverityWarning, "TEST", "something", "key")

	h := &Handlers{Issues: ring}
	resp := h.Handle(context.Background(), Request{Kind: ReqIssues})
	if len(resp.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %+v", resp.Issues)
	}
	if resp.Issues[0].Code != "TEST" {
		t.Fatalf("unexpected issue payload: %+v", resp.Issues[0])
	}
}
