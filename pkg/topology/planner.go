// Package topology turns a loaded Network Tree and Shaped Devices
// table into the Bakery's structural rebuild command and per-circuit
// specs. It owns the one piece of the model the Bakery itself refuses
// to compute: class-id and
// circuit/site-hash assignment from topology, handed to the Bakery as
// already-resolved values.
//
// Route-weight scoring picks each node's lowest-cost parent at 10x
// depth per level. network.json encodes parentage in its JSON nesting
// alone, so today every node has exactly one candidate parent;
// RouteWeightGraph is kept as a first-class type so
// a future topology source with genuine multi-parent candidates (e.g.
// redundant AP uplinks) has somewhere to plug in; today's network.json
// shape gives every node exactly one candidate, so selection is
// trivial but exercised.
package topology

import (
	"hash/fnv"

	"github.com/openqos/shaperd/pkg/bakery"
	"github.com/openqos/shaperd/pkg/nettree"
	"github.com/openqos/shaperd/pkg/shapeddevices"
)

// DepthWeight is the default per-level weight, overridable per call.
const DepthWeight = 10

// candidate is one parent a node could attach under, with its scored
// depth-derived weight.
type candidate struct {
	parentIndex int
	weight      int
}

// RouteWeightGraph picks the lowest-cost parent for every structural
// node in tree, using depthWeight (or DepthWeight if zero) per level.
// Built once per rebuild generation and then discarded.
type RouteWeightGraph struct {
	depthWeight int
	best        map[int]candidate // node index -> chosen parent candidate
}

// BuildRouteWeightGraph scores every non-root node's single
// JSON-nesting parent (today's only candidate) at weight
// depthWeight*depth, and picks it. network.json encodes no
// alternative parents, so the candidate list is always length one.
// depthWeight<=0 uses DepthWeight.
func BuildRouteWeightGraph(tree *nettree.Tree, depthWeight int) *RouteWeightGraph {
	if depthWeight <= 0 {
		depthWeight = DepthWeight
	}
	g := &RouteWeightGraph{depthWeight: depthWeight, best: make(map[int]candidate, len(tree.Nodes))}
	for i, n := range tree.Nodes {
		if n.ImmediateParent < 0 {
			continue
		}
		depth := len(n.Parents)
		g.best[i] = candidate{parentIndex: n.ImmediateParent, weight: depth * depthWeight}
	}
	return g
}

// ParentOf returns the chosen parent index for node i, and its score.
func (g *RouteWeightGraph) ParentOf(i int) (parentIndex, weight int, ok bool) {
	c, ok := g.best[i]
	return c.parentIndex, c.weight, ok
}

// siteHash derives the opaque i64 a structural node is keyed by from
// its name, the same "never recomputed downstream" posture
// pkg/circuithash documents for circuits, scoped separately because
// structural and circuit hashes are never compared against each
// other.
func siteHash(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("site:"))
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// classAllocator hands out sequential minor numbers under a fixed
// major per interface, the usual "1:N" HTB class-id convention.
type classAllocator struct {
	major uint16
	next  map[string]uint16 // interface -> next minor
}

func newClassAllocator(major uint16) *classAllocator {
	return &classAllocator{major: major, next: make(map[string]uint16)}
}

func (a *classAllocator) next_(iface string) bakery.ClassID {
	n := a.next[iface]
	if n == 0 {
		n = 1
	}
	a.next[iface] = n + 1
	return bakery.ClassID(uint32(a.major)<<16 | uint32(n))
}

// Plan is the output of a full rebuild pass: the structural topology
// ready for bakery.Rebuild, plus every known circuit's spec ready for
// bakery.UpdateCircuit once its traffic is observed. Plan only
// describes what a circuit would look like; the Throughput Tracker
// decides when to actually send UpdateCircuit.
type Plan struct {
	Topology bakery.Topology
	Circuits map[string]bakery.CircuitSpec // keyed by circuit id
	// SiteHashByNode lets Stormguard (which watches by site name) look
	// up the site_hash bakery.SetParentRate needs.
	SiteHashByNode map[string]int64
}

// Build walks tree (site/AP nodes only; clients are never structural)
// and every device in devices, assigning class ids per interface in
// visitation order. downIface/upIface name the physical/VLAN
// interfaces download-direction and upload-direction structural queues
// are created on; on-a-stick deployments pass the same name for both
// and rely on tc filters (outside this package's scope) to split them.
// Structural queues are built for both directions: each site's
// Stormguard ceiling adjustment (keyed by the single SiteHash this
// function assigns) has a real class to change on each interface.
// Circuit leaf queues remain download-only, matching the single
// rate/ceil pair ShapedDevices.csv carries per circuit.
func Build(tree *nettree.Tree, devices *shapeddevices.Table, downIface, upIface string, depthWeight int) Plan {
	graph := BuildRouteWeightGraph(tree, depthWeight)
	alloc := newClassAllocator(1)

	classIndexDown := make(map[int]bakery.ClassID, len(tree.Nodes))
	classIndexUp := make(map[int]bakery.ClassID, len(tree.Nodes))
	siteHashes := make(map[string]int64, len(tree.Nodes))
	plan := Plan{
		Topology:       bakery.Topology{},
		Circuits:       make(map[string]bakery.CircuitSpec),
		SiteHashByNode: siteHashes,
	}

	for i, n := range tree.Nodes {
		if n.Type == nettree.NodeTypeClient || n.Type == nettree.NodeTypeRoot {
			continue
		}
		parentDown := bakery.Root()
		parentUp := bakery.Root()
		if pi, _, ok := graph.ParentOf(i); ok {
			if pc, ok := classIndexDown[pi]; ok {
				parentDown = pc
			}
			if pc, ok := classIndexUp[pi]; ok {
				parentUp = pc
			}
		}
		cidDown := alloc.next_(downIface)
		cidUp := alloc.next_(upIface)
		classIndexDown[i] = cidDown
		classIndexUp[i] = cidUp
		hash := siteHash(n.Name)
		siteHashes[n.Name] = hash

		plan.Topology.Structural = append(plan.Topology.Structural, bakery.StructuralQueueInfo{
			Interface:   downIface,
			Parent:      parentDown,
			ClassID:     cidDown,
			RateMbps:    n.MaxDown,
			CeilMbps:    n.MaxDown,
			SiteHash:    hash,
			Quantum:     0,
			R2Q:         0,
			UpInterface: upIface,
			UpParent:    parentUp,
			UpClassID:   cidUp,
			UpRateMbps:  n.MaxUp,
			UpCeilMbps:  n.MaxUp,
		})
	}

	if devices != nil {
		devices.Range(func(d *shapeddevices.Device) {
			parentClass := bakery.Root()
			if idx, ok := tree.IndexOf(d.ParentNode); ok {
				if pc, ok := classIndexDown[idx]; ok {
					parentClass = pc
				}
			}
			cid := alloc.next_(downIface)
			plan.Circuits[d.CircuitID] = bakery.CircuitSpec{
				Interface: downIface,
				Parent:    parentClass,
				ClassID:   cid,
				RateMbps:  float64(d.MinDownMbps),
				CeilMbps:  float64(d.MaxDownMbps),
				Comment:   d.CircuitID,
			}
		})
	}

	return plan
}
