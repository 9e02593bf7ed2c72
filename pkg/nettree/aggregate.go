package nettree

// TickSample is the per-IP data the Throughput Tracker publishes into
// the tree once per tick: a byte-rate delta, retransmit/mark/drop deltas, and an
// optional RTT sample, tagged with the ancestor-index chain to fold
// into.
type TickSample struct {
	AncestorIndexes []int
	DownBytesPerSec uint64
	UpBytesPerSec   uint64
	RetransmitDelta uint64
	CakeMarkDelta   uint64
	CakeDropDelta   uint64
	RTTSample       uint16 // 0 = no sample this tick
}

// ApplyTick folds a batch of per-IP samples into a fresh copy of the
// active tree and atomically republishes it: zero every node's
// current counters, then for each sample add its bytes/s and
// retransmit/mark/drop deltas to every ancestor and insert its
// median-RTT sample into each ancestor's RTT bag.
//
// Replacing the whole node slice (rather than mutating in place) keeps
// the RCU contract: a reader that captured the previous *Tree before
// this call keeps seeing fully-zeroed-then-previous-tick values, never
// a partially-updated mix.
func ApplyTick(samples []TickSample) {
	prev := Active()
	nodes := make([]Node, len(prev.Nodes))
	copy(nodes, prev.Nodes)
	for i := range nodes {
		nodes[i].CurrentDownBytesPerSec = 0
		nodes[i].CurrentUpBytesPerSec = 0
		nodes[i].CurrentRetransmits = 0
		nodes[i].CakeMarks = 0
		nodes[i].CakeDrops = 0
		nodes[i].RTTSamples = nil
	}

	for _, s := range samples {
		for _, idx := range s.AncestorIndexes {
			if idx < 0 || idx >= len(nodes) {
				continue
			}
			nodes[idx].CurrentDownBytesPerSec += s.DownBytesPerSec
			nodes[idx].CurrentUpBytesPerSec += s.UpBytesPerSec
			nodes[idx].CurrentRetransmits += s.RetransmitDelta
			nodes[idx].CakeMarks += s.CakeMarkDelta
			nodes[idx].CakeDrops += s.CakeDropDelta
			if s.RTTSample != 0 {
				nodes[idx].RTTSamples = append(nodes[idx].RTTSamples, s.RTTSample)
			}
		}
	}

	next := &Tree{Nodes: nodes, byName: prev.byName}
	active.Store(next)
}
