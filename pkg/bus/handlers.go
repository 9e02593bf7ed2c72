package bus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/netip"
	"sort"

	"github.com/openqos/shaperd/pkg/bakery"
	"github.com/openqos/shaperd/pkg/circuithash"
	"github.com/openqos/shaperd/pkg/flows"
	"github.com/openqos/shaperd/pkg/hotcache"
	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/iprange"
	"github.com/openqos/shaperd/pkg/issues"
	"github.com/openqos/shaperd/pkg/kernel"
	"github.com/openqos/shaperd/pkg/nettree"
	"github.com/openqos/shaperd/pkg/parser"
	"github.com/openqos/shaperd/pkg/shapeddevices"
	"github.com/openqos/shaperd/pkg/stormguard"
	"github.com/openqos/shaperd/pkg/throughput"
)

// Handlers answers every bus request kind by reading the live
// packages the rest of the daemon already maintains.
// It holds no state of its own beyond what's needed to wire the
// IP→class CRUD path to the kernel map and hot cache.
type Handlers struct {
	Tracker    *throughput.Tracker
	Flows      *flows.RecentFlows
	IPToClass  *kernel.PinnedMap // optional; nil disables the CRUD requests
	IPRanges   *iprange.Table    // optional; nil allows every IP
	HotCache   *hotcache.Cache
	Bakery     *bakery.Owner
	Stormguard *stormguard.Controller
	Issues     *issues.Ring
	ReloadTree func() error // re-reads network.json and ShapedDevices.csv
}


// Handle dispatches one request and returns its response. Bus errors
// never panic the server; a failed lookup comes back as
// Response{Error: ...}.
func (h *Handlers) Handle(ctx context.Context, req Request) Response {
	switch req.Kind {
	case ReqPing:
		return Response{Kind: req.Kind, Ack: true}

	case ReqCurrentThroughput:
		return h.currentThroughput(req)

	case ReqTopDownloaders:
		return h.topN(req, true)

	case ReqWorstRTT:
		return h.worstRTT(req)

	case ReqWorstRetransmits:
		return h.worstRetransmits(req)

	case ReqFlowsAll:
		return h.flowsAll(req)

	case ReqFlowsByCircuit:
		return h.flowsByCircuit(req)

	case ReqFlowsByASN:
		return h.flowsByASN(req)

	case ReqFlowsTopN:
		return h.flowsTopN(req)

	case ReqTreeFull:
		return h.treeFull(req)

	case ReqTreeSubtree:
		return h.treeSubtree(req)

	case ReqMapIPToClass:
		return h.mapIPToClass(req)

	case ReqDelIPFlow:
		return h.delIPFlow(req)

	case ReqClearIPFlow:
		return h.clearIPFlow(req)

	case ReqListIPFlow:
		return h.listIPFlow(req)

	case ReqRawQueueByCircuit:
		return h.rawQueueByCircuit(ctx, req)

	case ReqReloadTopology:
		return h.reloadTopology(req)

	case ReqBakeryStats:
		return h.bakeryStats(req)

	case ReqStormguardStats:
		return h.stormguardStats(req)

	case ReqFlushHotCache:
		return h.flushHotCache(req)

	case ReqAllUnknownIPs:
		return h.allUnknownIPs(req)

	case ReqHostCounts:
		return h.hostCounts(req)

	case ReqIssues:
		return h.issuesSnapshot(req)

	default:
		return Response{Kind: req.Kind, Error: "bus: unknown request kind"}
	}
}

func (h *Handlers) currentThroughput(req Request) Response {
	if h.Tracker == nil {
		return Response{Kind: req.Kind, Error: "bus: throughput tracker not wired"}
	}
	snap := h.Tracker.Aggregates.Load()
	return Response{Kind: req.Kind, Throughput: &ThroughputPayload{
		BitsPerSecondDown:       snap.BitsPerSecondDown,
		BitsPerSecondUp:         snap.BitsPerSecondUp,
		PacketsPerSecondDown:    snap.PacketsPerSecondDown,
		PacketsPerSecondUp:      snap.PacketsPerSecondUp,
		ShapedBitsPerSecondDown: snap.ShapedBitsPerSecondDown,
		ShapedBitsPerSecondUp:   snap.ShapedBitsPerSecondUp,
	}}
}

// page applies a [start,end) slice, clamping to bounds.
func page[T any](all []T, start, end uint32) []T {
	s, e := int(start), int(end)
	if s < 0 {
		s = 0
	}
	if s >= len(all) {
		return nil
	}
	if e > len(all) || e == 0 {
		e = len(all)
	}
	if e < s {
		return nil
	}
	return all[s:e]
}

func ipCounterRow(c *throughput.IPCounter) IPStat {
	median, _ := c.RTT.Median()
	return IPStat{
		IPAddress:         c.IP.String(),
		CircuitID:         c.CircuitID,
		BitsPerSecondDown: c.BytesPerSecondDown * 8,
		BitsPerSecondUp:   c.BytesPerSecondUp * 8,
		MedianRTTMs:       median,
	}
}

func (h *Handlers) topN(req Request, byDown bool) Response {
	if h.Tracker == nil {
		return Response{Kind: req.Kind, Error: "bus: throughput tracker not wired"}
	}
	all := h.Tracker.Store.Snapshot()
	sort.SliceStable(all, func(i, j int) bool {
		if byDown {
			return all[i].BytesPerSecondDown > all[j].BytesPerSecondDown
		}
		return all[i].BytesPerSecondUp > all[j].BytesPerSecondUp
	})
	rows := make([]IPStat, 0, len(all))
	for i := range all {
		rows = append(rows, ipCounterRow(&all[i]))
	}
	return Response{Kind: req.Kind, IPStats: page(rows, req.Start, req.End)}
}

func (h *Handlers) worstRTT(req Request) Response {
	if h.Tracker == nil {
		return Response{Kind: req.Kind, Error: "bus: throughput tracker not wired"}
	}
	all := h.Tracker.Store.Snapshot()
	rows := make([]IPStat, 0, len(all))
	for i := range all {
		if median, ok := all[i].RTT.Median(); ok {
			row := ipCounterRow(&all[i])
			row.MedianRTTMs = median
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].MedianRTTMs > rows[j].MedianRTTMs })
	return Response{Kind: req.Kind, IPStats: page(rows, req.Start, req.End)}
}

// worstRetransmits aggregates per-remote-IP TCP retransmits across the
// recent-flows ring, since retransmit counts are tracked per flow
// (pkg/flows), not per IP counter (pkg/throughput).
func (h *Handlers) worstRetransmits(req Request) Response {
	if h.Flows == nil {
		return Response{Kind: req.Kind, Error: "bus: flow tracking not wired"}
	}
	totals := make(map[ipaddr.Key]uint64)
	for _, d := range h.Flows.Snapshot() {
		totals[d.Key.RemoteIP] += d.RetransmitsDown + d.RetransmitsUp
	}
	rows := make([]IPStat, 0, len(totals))
	for ip, retransmits := range totals {
		rows = append(rows, IPStat{IPAddress: ip.String(), TCPRetransmits: retransmits})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].TCPRetransmits > rows[j].TCPRetransmits })
	return Response{Kind: req.Kind, IPStats: page(rows, req.Start, req.End)}
}

func flowRow(d *flows.Data) FlowPayload {
	return FlowPayload{
		RemoteIP:  d.Key.RemoteIP.String(),
		LocalIP:   d.Key.LocalIP.String(),
		SrcPort:   d.Key.SrcPort,
		DstPort:   d.Key.DstPort,
		Proto:     uint8(d.Key.Proto),
		BytesDown: d.BytesDown,
		BytesUp:   d.BytesUp,
		RateDown:  d.RateEstimateDown,
		RateUp:    d.RateEstimateUp,
		ASN:       d.ASN,
		Country:   d.Country,
	}
}

func (h *Handlers) flowsAll(req Request) Response {
	if h.Flows == nil {
		return Response{Kind: req.Kind, Error: "bus: flow tracking not wired"}
	}
	all := h.Flows.Snapshot()
	rows := make([]FlowPayload, 0, len(all))
	for _, d := range all {
		rows = append(rows, flowRow(d))
	}
	return Response{Kind: req.Kind, Flows: page(rows, req.Start, req.End)}
}

// flowsByCircuit filters recent flows whose remote IP resolves (via
// the shaped-device trie) to the requested circuit id.
func (h *Handlers) flowsByCircuit(req Request) Response {
	if h.Flows == nil {
		return Response{Kind: req.Kind, Error: "bus: flow tracking not wired"}
	}
	table := shapeddevices.Active()
	var rows []FlowPayload
	for _, d := range h.Flows.Snapshot() {
		dev, ok := table.Lookup(d.Key.RemoteIP.Addr())
		if !ok || dev.CircuitID != req.CircuitID {
			continue
		}
		rows = append(rows, flowRow(d))
	}
	return Response{Kind: req.Kind, Flows: page(rows, req.Start, req.End)}
}

func (h *Handlers) flowsByASN(req Request) Response {
	if h.Flows == nil {
		return Response{Kind: req.Kind, Error: "bus: flow tracking not wired"}
	}
	var rows []FlowPayload
	for _, d := range h.Flows.Snapshot() {
		if d.ASN != req.ASN {
			continue
		}
		rows = append(rows, flowRow(d))
	}
	return Response{Kind: req.Kind, Flows: page(rows, req.Start, req.End)}
}

func (h *Handlers) flowsTopN(req Request) Response {
	if h.Flows == nil {
		return Response{Kind: req.Kind, Error: "bus: flow tracking not wired"}
	}
	metric, ok := flowsMetricFromName(req.Metric)
	if !ok {
		return Response{Kind: req.Kind, Error: "bus: unknown flow metric"}
	}
	all := h.Flows.TopN(metric, int(req.Start), int(req.End))
	rows := make([]FlowPayload, 0, len(all))
	for _, d := range all {
		rows = append(rows, flowRow(d))
	}
	return Response{Kind: req.Kind, Flows: rows}
}

func flowsMetricFromName(name string) (flows.Metric, bool) {
	switch name {
	case "bytes_down":
		return flows.MetricBytesDown, true
	case "bytes_up":
		return flows.MetricBytesUp, true
	case "rate_down":
		return flows.MetricRateDown, true
	case "rate_up":
		return flows.MetricRateUp, true
	case "retransmits_down":
		return flows.MetricRetransmitsDown, true
	case "retransmits_up":
		return flows.MetricRetransmitsUp, true
	case "worst_rtt":
		return flows.MetricWorstRTT, true
	default:
		return 0, false
	}
}

func treeNodeRow(n *nettree.Node) TreeNodePayload {
	return TreeNodePayload{
		Name:                   n.Name,
		Type:                   string(n.Type),
		MaxDownMbps:            n.MaxDown,
		MaxUpMbps:              n.MaxUp,
		CurrentDownBytesPerSec: n.CurrentDownBytesPerSec,
		CurrentUpBytesPerSec:   n.CurrentUpBytesPerSec,
		CakeMarks:              n.CakeMarks,
		CakeDrops:              n.CakeDrops,
	}
}

func (h *Handlers) treeFull(req Request) Response {
	tree := nettree.Active()
	rows := make([]TreeNodePayload, 0, len(tree.Nodes))
	for i := range tree.Nodes {
		rows = append(rows, treeNodeRow(&tree.Nodes[i]))
	}
	return Response{Kind: req.Kind, Tree: rows}
}

func (h *Handlers) treeSubtree(req Request) Response {
	tree := nettree.Active()
	idx, ok := tree.IndexOf(req.NodeName)
	if !ok {
		return Response{Kind: req.Kind, Error: "bus: unknown node"}
	}
	rows := []TreeNodePayload{treeNodeRow(&tree.Nodes[idx])}
	for i := range tree.Nodes {
		for _, ancestor := range tree.Nodes[i].Parents {
			if ancestor == idx {
				rows = append(rows, treeNodeRow(&tree.Nodes[i]))
				break
			}
		}
	}
	return Response{Kind: req.Kind, Tree: rows}
}

func (h *Handlers) mapIPToClass(req Request) Response {
	if h.IPToClass == nil {
		return Response{Kind: req.Kind, Error: "bus: ip-to-class map not wired"}
	}
	if addr, err := netip.ParseAddr(req.IPAddress); err == nil && !h.IPRanges.Allowed(addr) {
		return Response{Kind: req.Kind, Error: "bus: ip is outside the configured allow/ignore ranges"}
	}
	key, err := encodeIPMapKey(req.IPAddress, req.Upload)
	if err != nil {
		return Response{Kind: req.Kind, Error: err.Error()}
	}
	value := encodeClassCPU(req.TCHandle, req.CPU)
	if err := h.IPToClass.Upsert(key, value); err != nil {
		return Response{Kind: req.Kind, Error: err.Error()}
	}
	if h.HotCache != nil {
		h.HotCache.Flush()
	}
	return Response{Kind: req.Kind, Ack: true}
}

func (h *Handlers) delIPFlow(req Request) Response {
	if h.IPToClass == nil {
		return Response{Kind: req.Kind, Error: "bus: ip-to-class map not wired"}
	}
	key, err := encodeIPMapKey(req.IPAddress, req.Upload)
	if err != nil {
		return Response{Kind: req.Kind, Error: err.Error()}
	}
	if err := h.IPToClass.Delete(key); err != nil {
		return Response{Kind: req.Kind, Error: err.Error()}
	}
	if h.HotCache != nil {
		h.HotCache.Flush()
	}
	return Response{Kind: req.Kind, Ack: true}
}

func (h *Handlers) clearIPFlow(req Request) Response {
	if h.IPToClass == nil {
		return Response{Kind: req.Kind, Error: "bus: ip-to-class map not wired"}
	}
	if err := h.IPToClass.Clear(); err != nil {
		return Response{Kind: req.Kind, Error: err.Error()}
	}
	if h.HotCache != nil {
		h.HotCache.Flush()
	}
	return Response{Kind: req.Kind, Ack: true}
}

func (h *Handlers) listIPFlow(req Request) Response {
	if h.Tracker == nil {
		return Response{Kind: req.Kind, Error: "bus: throughput tracker not wired"}
	}
	var rows []IPMapping
	h.Tracker.Store.Range(func(c *throughput.IPCounter) {
		if c.TCHandle == 0 {
			return
		}
		rows = append(rows, IPMapping{IPAddress: c.IP.String(), TCHandle: c.TCHandle})
	})
	return Response{Kind: req.Kind, MappedIPs: page(rows, req.Start, req.End)}
}

// rawQueueByCircuit resolves the circuit id to its interface and class
// handle via the Bakery's model, then runs the tc-stats scraper
// (pkg/parser) and returns the one matching qdisc instance as JSON.
func (h *Handlers) rawQueueByCircuit(ctx context.Context, req Request) Response {
	if h.Bakery == nil {
		return Response{Kind: req.Kind, Error: "bus: bakery not wired"}
	}
	hash := circuithash.Hash(req.CircuitID)
	c, ok := h.Bakery.State().Circuits[hash]
	if !ok {
		return Response{Kind: req.Kind, Error: "bus: unknown circuit id"}
	}
	all, err := parser.CollectStats(ctx)
	if err != nil {
		return Response{Kind: req.Kind, Error: err.Error()}
	}
	cs, ok := parser.FindByHandle(all, c.Interface, c.ClassID.String(), hash)
	if !ok {
		return Response{Kind: req.Kind, Error: "bus: no matching qdisc instance found"}
	}
	raw, err := json.Marshal(cs)
	if err != nil {
		return Response{Kind: req.Kind, Error: err.Error()}
	}
	return Response{Kind: req.Kind, RawQueueJSON: string(raw)}
}

func (h *Handlers) reloadTopology(req Request) Response {
	if h.ReloadTree == nil {
		return Response{Kind: req.Kind, Error: "bus: reload hook not wired"}
	}
	if err := h.ReloadTree(); err != nil {
		return Response{Kind: req.Kind, Error: err.Error()}
	}
	return Response{Kind: req.Kind, Ack: true}
}

func (h *Handlers) bakeryStats(req Request) Response {
	if h.Bakery == nil {
		return Response{Kind: req.Kind, Error: "bus: bakery not wired"}
	}
	active, knownOnly, expiring, structural := h.Bakery.State().Counts()
	return Response{Kind: req.Kind, BakeryStats: &BakeryStatsPayload{
		ActiveCircuits:    active,
		KnownOnlyCircuits: knownOnly,
		ExpiringCircuits:  expiring,
		StructuralQueues:  structural,
	}}
}

func (h *Handlers) stormguardStats(req Request) Response {
	if h.Stormguard == nil {
		return Response{Kind: req.Kind, Error: "bus: stormguard not wired"}
	}
	sites := h.Stormguard.Sites()
	rows := make([]StormguardRow, 0, len(sites))
	for _, s := range sites {
		rows = append(rows, StormguardRow{
			SiteHash:        s.SiteHash,
			CurrentCeilDown: s.CurrentCeilDown,
			CurrentCeilUp:   s.CurrentCeilUp,
		})
	}
	return Response{Kind: req.Kind, StormguardStats: rows}
}

func (h *Handlers) flushHotCache(req Request) Response {
	if h.HotCache == nil {
		return Response{Kind: req.Kind, Error: "bus: hot cache not wired"}
	}
	h.HotCache.Flush()
	return Response{Kind: req.Kind, Ack: true}
}

func (h *Handlers) allUnknownIPs(req Request) Response {
	if h.Tracker == nil {
		return Response{Kind: req.Kind, Error: "bus: throughput tracker not wired"}
	}
	var rows []IPStat
	h.Tracker.Store.Range(func(c *throughput.IPCounter) {
		if c.CircuitID != "" {
			return
		}
		rows = append(rows, ipCounterRow(c))
	})
	return Response{Kind: req.Kind, IPStats: page(rows, req.Start, req.End)}
}

func (h *Handlers) hostCounts(req Request) Response {
	if h.Tracker == nil {
		return Response{Kind: req.Kind, Error: "bus: throughput tracker not wired"}
	}
	var shaped, unknown uint32
	h.Tracker.Store.Range(func(c *throughput.IPCounter) {
		if c.Shaped() {
			shaped++
		} else {
			unknown++
		}
	})
	return Response{Kind: req.Kind, HostCounts: &HostCountsPayload{Shaped: shaped, Unknown: unknown}}
}

func (h *Handlers) issuesSnapshot(req Request) Response {
	if h.Issues == nil {
		return Response{Kind: req.Kind, Error: "bus: issues ring not wired"}
	}
	snap := h.Issues.Snapshot()
	rows := make([]IssuePayload, 0, len(snap))
	for _, i := range snap {
		rows = append(rows, IssuePayload{
			Severity:  int(i.Severity),
			Code:      i.Code,
			Message:   i.Message,
			Count:     i.Count,
			FirstSeen: i.FirstSeen.Unix(),
			LastSeen:  i.LastSeen.Unix(),
		})
	}
	return Response{Kind: req.Kind, Issues: rows}
}

// encodeIPMapKey builds the kernel map key: the 16-byte mapped address
// plus an upload-direction byte.
func encodeIPMapKey(ipStr string, upload bool) ([]byte, error) {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return nil, err
	}
	key := ipaddr.FromAddr(addr)
	out := make([]byte, 17)
	copy(out, key[:])
	if upload {
		out[16] = 1
	}
	return out, nil
}

// encodeClassCPU packs (tc_handle, cpu) into the kernel map's value
// layout: two little-endian uint32s.
func encodeClassCPU(tcHandle, cpu uint32) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], tcHandle)
	binary.LittleEndian.PutUint32(out[4:8], cpu)
	return out
}
