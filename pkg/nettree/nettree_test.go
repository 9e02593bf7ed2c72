package nettree

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleTopology = `{
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

func writeTopology(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "network.json")
	if err := os.WriteFile(path, []byte(sampleTopology), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBuildsAncestorChains(t *testing.T) {
	path := writeTopology(t)
	tree, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	rootIdx, ok := tree.IndexOf("root")
	if !ok || rootIdx != 0 {
		t.Fatalf("expected root at index 0, got %d ok=%v", rootIdx, ok)
	}
	siteIdx, ok := tree.IndexOf("Site1")
	if !ok {
		t.Fatal("expected Site1 to be indexed")
	}
	if len(tree.Nodes[siteIdx].Parents) != 1 || tree.Nodes[siteIdx].Parents[0] != 0 {
		t.Fatalf("expected Site1's only ancestor to be root, got %v", tree.Nodes[siteIdx].Parents)
	}
	clientIdx, ok := tree.IndexOf("Client1")
	if !ok {
		t.Fatal("expected Client1 to be indexed")
	}
	wantAncestors := []int{0, siteIdx}
	got := tree.Nodes[clientIdx].Parents
	if len(got) != 2 || got[0] != wantAncestors[0] || got[1] != wantAncestors[1] {
		t.Fatalf("expected ancestors %v, got %v", wantAncestors, got)
	}
}

func TestApplyTickAggregatesIntoAncestors(t *testing.T) {
	path := writeTopology(t)
	if err := Reload(path); err != nil {
		t.Fatal(err)
	}
	tree := Active()
	clientIdx, _ := tree.IndexOf("Client1")
	siteIdx, _ := tree.IndexOf("Site1")

	ApplyTick([]TickSample{
		{
			AncestorIndexes: tree.Nodes[clientIdx].Parents,
			DownBytesPerSec: 1000,
			UpBytesPerSec:   200,
			RTTSample:       150,
		},
	})

	after := Active()
	if after.Nodes[0].CurrentDownBytesPerSec != 1000 {
		t.Fatalf("expected root to accumulate 1000 bytes/s down, got %d", after.Nodes[0].CurrentDownBytesPerSec)
	}
	if after.Nodes[siteIdx].CurrentDownBytesPerSec != 1000 {
		t.Fatalf("expected Site1 to accumulate 1000 bytes/s down, got %d", after.Nodes[siteIdx].CurrentDownBytesPerSec)
	}
	if len(after.Nodes[siteIdx].RTTSamples) != 1 || after.Nodes[siteIdx].RTTSamples[0] != 150 {
		t.Fatalf("expected Site1's RTT bag to contain the sample, got %v", after.Nodes[siteIdx].RTTSamples)
	}
	if after.Nodes[clientIdx].CurrentDownBytesPerSec != 0 {
		t.Fatal("expected the leaf itself (not its own ancestor) to remain zero")
	}

	// A second, empty tick must zero the previous tick's values.
	ApplyTick(nil)
	cleared := Active()
	if cleared.Nodes[0].CurrentDownBytesPerSec != 0 {
		t.Fatal("expected current_* counters to be zeroed at the start of each tick")
	}
}
