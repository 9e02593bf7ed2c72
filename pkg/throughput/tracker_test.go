package throughput

import (
	"encoding/binary"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/kernel"
	"github.com/openqos/shaperd/pkg/nettree"
)

// fakeCounters is an in-memory CounterSource standing in for a pinned
// eBPF map, keyed by IP with a single CPU slot per entry.
type fakeCounters struct {
	entries map[ipaddr.Key][]byte
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{entries: make(map[ipaddr.Key][]byte)}
}

func encodeCounter(bytesDown, bytesUp, packetsDown, packetsUp, lastSeenNanos uint64, tcHandle uint32) []byte {
	b := make([]byte, rawCounterSize)
	binary.LittleEndian.PutUint64(b[0:8], bytesDown)
	binary.LittleEndian.PutUint64(b[8:16], bytesUp)
	binary.LittleEndian.PutUint64(b[16:24], packetsDown)
	binary.LittleEndian.PutUint64(b[24:32], packetsUp)
	binary.LittleEndian.PutUint64(b[80:88], lastSeenNanos)
	binary.LittleEndian.PutUint32(b[120:124], tcHandle)
	return b
}

// encodeCounterFull is encodeCounter extended with the retransmit and
// CAKE mark/drop cumulative counters exercised by
// TestTickPublishesIntoNetworkTree.
func encodeCounterFull(bytesDown, bytesUp, packetsDown, packetsUp, lastSeenNanos uint64, tcHandle uint32, retransDown, retransUp, cakeMarks, cakeDrops uint64) []byte {
	b := encodeCounter(bytesDown, bytesUp, packetsDown, packetsUp, lastSeenNanos, tcHandle)
	binary.LittleEndian.PutUint64(b[88:96], retransDown)
	binary.LittleEndian.PutUint64(b[96:104], retransUp)
	binary.LittleEndian.PutUint64(b[104:112], cakeMarks)
	binary.LittleEndian.PutUint64(b[112:120], cakeDrops)
	return b
}

func (f *fakeCounters) set(ip ipaddr.Key, raw []byte) {
	f.entries[ip] = raw
}

func (f *fakeCounters) remove(ip ipaddr.Key) {
	delete(f.entries, ip)
}

func (f *fakeCounters) Iterate(visit func(entry kernel.PerCPUEntry)) error {
	for ip, raw := range f.entries {
		k := make([]byte, len(ip))
		copy(k, ip[:])
		visit(kernel.PerCPUEntry{Key: k, Values: [][]byte{raw}})
	}
	return nil
}

type fakeResolver struct {
	circuitID string
	ancestors []int
}

func (r fakeResolver) Resolve(ip ipaddr.Key) (string, []int, bool) {
	if r.circuitID == "" {
		return "", nil, false
	}
	return r.circuitID, r.ancestors, true
}

func testIP(t *testing.T, s string) ipaddr.Key {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return ipaddr.FromAddr(addr)
}

func TestTickComputesRatesAndAggregates(t *testing.T) {
	ip := testIP(t, "100.64.0.5")
	counters := newFakeCounters()
	counters.set(ip, encodeCounter(1000, 500, 10, 5, 1, 0x10002))

	resolver := fakeResolver{circuitID: "circuit-a", ancestors: []int{0, 3}}
	tr := NewTracker(counters, resolver, 900)

	if err := tr.Tick(); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	c, ok := tr.Store.Get(ip)
	if !ok {
		t.Fatal("expected counter to be created on first tick")
	}
	if c.BytesPerSecondDown != 1000 || c.BytesPerSecondUp != 500 {
		t.Fatalf("expected first-tick delta to equal the raw totals, got down=%d up=%d", c.BytesPerSecondDown, c.BytesPerSecondUp)
	}
	if c.CircuitID != "circuit-a" {
		t.Fatalf("expected circuit resolution, got %q", c.CircuitID)
	}
	if !c.Shaped() {
		t.Fatal("expected counter with a non-zero tc handle to be shaped")
	}

	// Second tick: kernel counters advance, last_seen changes.
	counters.set(ip, encodeCounter(1800, 900, 18, 9, 2, 0x10002))
	if err := tr.Tick(); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	c, _ = tr.Store.Get(ip)
	if c.BytesPerSecondDown != 800 || c.BytesPerSecondUp != 400 {
		t.Fatalf("expected delta of 800/400, got down=%d up=%d", c.BytesPerSecondDown, c.BytesPerSecondUp)
	}
	snap := tr.Aggregates.Load()
	if snap.BitsPerSecondDown != 800*8 {
		t.Fatalf("expected aggregate bits down %d, got %d", 800*8, snap.BitsPerSecondDown)
	}
	if snap.ShapedBitsPerSecondDown != 800*8 {
		t.Fatalf("expected shaped bits down %d, got %d", 800*8, snap.ShapedBitsPerSecondDown)
	}
}

func TestTickSaturatingSubtractionOnCounterReset(t *testing.T) {
	ip := testIP(t, "10.0.0.9")
	counters := newFakeCounters()
	counters.set(ip, encodeCounter(5000, 5000, 50, 50, 1, 0))
	tr := NewTracker(counters, nil, 900)
	if err := tr.Tick(); err != nil {
		t.Fatal(err)
	}

	// Kernel map was cleared and counters restarted from a smaller value.
	counters.set(ip, encodeCounter(100, 100, 1, 1, 2, 0))
	if err := tr.Tick(); err != nil {
		t.Fatal(err)
	}
	c, _ := tr.Store.Get(ip)
	if c.BytesPerSecondDown != 0 || c.BytesPerSecondUp != 0 {
		t.Fatalf("expected saturating subtraction to floor at zero, got down=%d up=%d", c.BytesPerSecondDown, c.BytesPerSecondUp)
	}
}

func TestAgeOutDropsIdleIPAfterGraceTick(t *testing.T) {
	ip := testIP(t, "192.168.1.1")
	counters := newFakeCounters()
	counters.set(ip, encodeCounter(100, 100, 1, 1, 1, 0))
	// idle threshold of 2 ticks for a fast test.
	tr := NewTracker(counters, nil, 2)
	if err := tr.Tick(); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Store.Get(ip); !ok {
		t.Fatal("expected counter present after first tick")
	}

	// last_seen never advances again: idle for every subsequent tick.
	// threshold is idleThresholdTicks(2) + graceTicks(1) = 3 missed
	// ticks tolerated, so three more ticks (missingTicks 1,2,3) must
	// still leave the counter in place.
	for i := 0; i < 3; i++ {
		if err := tr.Tick(); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := tr.Store.Get(ip); !ok {
		t.Fatal("expected counter to survive within idle threshold + grace tick")
	}

	if err := tr.Tick(); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Store.Get(ip); ok {
		t.Fatal("expected counter to be aged out past idle threshold + grace tick")
	}
}

const sampleTopologyForTickTest = `{
  "Site1": {
    "downloadBandwidthMbps": 1000,
    "uploadBandwidthMbps": 500,
    "children": {
      "Client1": {
        "downloadBandwidthMbps": 100,
        "uploadBandwidthMbps": 20
      }
    }
  }
}`

// TestTickPublishesIntoNetworkTree verifies Tick's final step: the
// per-IP deltas it just computed are folded into the Network Tree's
// ancestor chain, not just left in the Store.
func TestTickPublishesIntoNetworkTree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.json")
	if err := os.WriteFile(path, []byte(sampleTopologyForTickTest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := nettree.Reload(path); err != nil {
		t.Fatal(err)
	}
	tree := nettree.Active()
	clientIdx, ok := tree.IndexOf("Client1")
	if !ok {
		t.Fatal("expected Client1 to be indexed")
	}
	siteIdx, _ := tree.IndexOf("Site1")
	ancestors := tree.Nodes[clientIdx].Parents

	ip := testIP(t, "100.64.0.9")
	counters := newFakeCounters()
	counters.set(ip, encodeCounterFull(2000, 400, 20, 4, 1, 0x10005, 3, 1, 2, 0))

	resolver := fakeResolver{circuitID: "circuit-client1", ancestors: ancestors}
	tr := NewTracker(counters, resolver, 900, WithRTTSampler(func(ipaddr.Key) (uint16, bool) {
		return 42, true
	}))

	if err := tr.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	after := nettree.Active()
	if after.Nodes[siteIdx].CurrentDownBytesPerSec != 2000 {
		t.Fatalf("expected Site1 to accumulate 2000 bytes/s down, got %d", after.Nodes[siteIdx].CurrentDownBytesPerSec)
	}
	if after.Nodes[siteIdx].CurrentUpBytesPerSec != 400 {
		t.Fatalf("expected Site1 to accumulate 400 bytes/s up, got %d", after.Nodes[siteIdx].CurrentUpBytesPerSec)
	}
	if after.Nodes[0].CurrentDownBytesPerSec != 2000 {
		t.Fatalf("expected root to accumulate 2000 bytes/s down, got %d", after.Nodes[0].CurrentDownBytesPerSec)
	}
	if len(after.Nodes[siteIdx].RTTSamples) != 1 || after.Nodes[siteIdx].RTTSamples[0] != 42 {
		t.Fatalf("expected Site1's RTT bag to contain the sampled RTT, got %v", after.Nodes[siteIdx].RTTSamples)
	}

	// Second tick: retransmit/mark/drop counters advance, exercising the
	// delta path into CurrentRetransmits/CakeMarks/CakeDrops.
	counters.set(ip, encodeCounterFull(3500, 800, 35, 8, 2, 0x10005, 9, 4, 6, 1))
	if err := tr.Tick(); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	after = nettree.Active()
	if after.Nodes[siteIdx].CurrentRetransmits != 9 {
		t.Fatalf("expected Site1 retransmit delta of 9 (down 9-3 + up 4-1), got %d", after.Nodes[siteIdx].CurrentRetransmits)
	}
	if after.Nodes[siteIdx].CakeMarks != 4 {
		t.Fatalf("expected Site1 CAKE mark delta of 4, got %d", after.Nodes[siteIdx].CakeMarks)
	}
}

func TestAgeOutDropsIPRemovedFromKernelMap(t *testing.T) {
	ip := testIP(t, "172.16.0.1")
	counters := newFakeCounters()
	counters.set(ip, encodeCounter(100, 100, 1, 1, 1, 0))
	tr := NewTracker(counters, nil, 1)
	if err := tr.Tick(); err != nil {
		t.Fatal(err)
	}
	counters.remove(ip)
	for i := 0; i < 3; i++ {
		if err := tr.Tick(); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := tr.Store.Get(ip); ok {
		t.Fatal("expected counter removed from the kernel map to age out")
	}
}
