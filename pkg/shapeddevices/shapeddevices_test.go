package shapeddevices

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

const sampleCSV = `circuit_id,circuit_name,device_id,device_name,parent_node,mac,ipv4,ipv6,min_down,min_up,max_down,max_up,comment
C1,Alice,D1,Router,Site1,aa:bb:cc:dd:ee:ff,100.64.0.5/32,,50,10,100,20,
C2,Bob,D2,Router,Site1,11:22:33:44:55:66,100.64.0.0/24,,25,5,50,10,shared subnet
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ShapedDevices.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndLongestPrefixMatch(t *testing.T) {
	path := writeSample(t)
	table, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if table.Count() != 2 {
		t.Fatalf("expected 2 circuits, got %d", table.Count())
	}

	addr := netip.MustParseAddr("100.64.0.5")
	dev, ok := table.Lookup(addr)
	if !ok {
		t.Fatal("expected a match")
	}
	if dev.CircuitID != "C1" {
		t.Fatalf("expected the /32 exact match (C1) to win over the /24, got %s", dev.CircuitID)
	}

	addr2 := netip.MustParseAddr("100.64.0.9")
	dev2, ok := table.Lookup(addr2)
	if !ok {
		t.Fatal("expected a match via the /24")
	}
	if dev2.CircuitID != "C2" {
		t.Fatalf("expected C2, got %s", dev2.CircuitID)
	}

	_, ok = table.Lookup(netip.MustParseAddr("8.8.8.8"))
	if ok {
		t.Fatal("expected no match for an address outside all configured prefixes")
	}
}

func TestReloadSwapsActiveSnapshot(t *testing.T) {
	path := writeSample(t)
	if err := Reload(path); err != nil {
		t.Fatal(err)
	}
	if Active().Count() != 2 {
		t.Fatalf("expected active snapshot to have 2 circuits, got %d", Active().Count())
	}
}
