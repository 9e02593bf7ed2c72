package wspubsub

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/openqos/shaperd/pkg/bakery"
	"github.com/openqos/shaperd/pkg/flows"
	"github.com/openqos/shaperd/pkg/history"
	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/nettree"
	"github.com/openqos/shaperd/pkg/stormguard"
	"github.com/openqos/shaperd/pkg/throughput"
)

// topListLen bounds every "top N" producer, matching the Bus Server's
// page size for the equivalent queries; 10 keeps a dashboard tile
// readable.
const topListLen = 10

// Sources wires every subsystem a channel producer reads from. Fields
// left nil make their channels publish nothing (the producer reports
// no payload) rather than panic, so a partially-wired daemon (e.g.
// Stormguard refused to start in on-a-stick mode) still serves the
// rest.
type Sources struct {
	Tracker    *throughput.Tracker
	Flows      *flows.RecentFlows
	Bakery     *bakery.Owner
	Stormguard *stormguard.Controller
	CakeHist   *history.HistoryStore
}

// producer returns this tick's (event name, payload) for one channel,
// or ok=false to skip publishing (e.g. an empty tree before the first
// topology load).
type producer func(s *Sources) (eventName string, data any, ok bool)

var producers = map[Channel]producer{
	ChannelThroughput:         produceThroughput,
	ChannelRttHistogram:       produceRTTHistogram,
	ChannelCpu:                produceCPU,
	ChannelRam:                produceRAM,
	ChannelTopDownloads:       produceTopDownloads,
	ChannelWorstRTT:           produceWorstRTT,
	ChannelWorstRetransmits:   produceWorstRetransmits,
	ChannelTopFlowsBytes:      produceTopFlowsBytes,
	ChannelTopFlowsRate:       produceTopFlowsRate,
	ChannelFlowDurations:      produceFlowDurations,
	ChannelEndpointsByCountry: produceEndpointsByCountry,
	ChannelEtherProtocols:     produceEtherProtocols,
	ChannelIpProtocols:        produceIPProtocols,
	ChannelNetworkTree:        produceNetworkTree,
	ChannelNetworkTreeClients: produceNetworkTreeClients,
	ChannelTreeCapacity:       produceTreeCapacity,
	ChannelCircuitCapacity:    produceCircuitCapacity,
	ChannelTreeSummaryL2:      produceTreeSummaryL2,
	ChannelBakeryStatus:       produceBakeryStatus,
	ChannelStormguardStatus:   produceStormguardStatus,
}

func produceThroughput(s *Sources) (string, any, bool) {
	if s.Tracker == nil {
		return "", nil, false
	}
	return "throughput", s.Tracker.Aggregates.Load(), true
}

// rttBucketMs are the histogram's upper bounds, in milliseconds; the
// final bucket catches everything at or above the last edge.
var rttBucketMs = []int{10, 20, 50, 100, 200, 500}

func produceRTTHistogram(s *Sources) (string, any, bool) {
	if s.Tracker == nil {
		return "", nil, false
	}
	buckets := make([]int, len(rttBucketMs)+1)
	s.Tracker.Store.Range(func(c *throughput.IPCounter) {
		fixedMs, ok := c.RTT.Median()
		if !ok {
			return
		}
		value := int(fixedMs) / 100 // fixed-point hundredths-of-ms, per pkg/throughput.RTTRing
		idx := len(rttBucketMs)
		for i, edge := range rttBucketMs {
			if value < edge {
				idx = i
				break
			}
		}
		buckets[idx]++
	})
	return "rtt_histogram", buckets, true
}

func produceCPU(s *Sources) (string, any, bool) {
	return "cpu", readCPUPercent(), true
}

func produceRAM(s *Sources) (string, any, bool) {
	return "ram", readMemPercent(), true
}

func produceTopDownloads(s *Sources) (string, any, bool) {
	if s.Tracker == nil {
		return "", nil, false
	}
	rows := s.Tracker.Store.Snapshot()
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].BytesPerSecondDown > rows[j].BytesPerSecondDown
	})
	return "top_downloads", limit(rows, topListLen), true
}

func produceWorstRTT(s *Sources) (string, any, bool) {
	if s.Tracker == nil {
		return "", nil, false
	}
	all := s.Tracker.Store.Snapshot()
	rows := make([]throughput.IPCounter, 0, len(all))
	for _, c := range all {
		if _, ok := c.RTT.Median(); ok {
			rows = append(rows, c)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i].RTT.Median()
		b, _ := rows[j].RTT.Median()
		return a > b
	})
	return "worst_rtt", limit(rows, topListLen), true
}

// worstRetransmitsRow is the per-remote-IP rollup: only pkg/flows
// tracks TCP retransmits, so this channel aggregates across every
// flow sharing a remote IP rather than reading the per-IP tracker.
type worstRetransmitsRow struct {
	IP          string `json:"ip"`
	Retransmits uint64 `json:"retransmits"`
}

func produceWorstRetransmits(s *Sources) (string, any, bool) {
	if s.Flows == nil {
		return "", nil, false
	}
	totals := make(map[ipaddr.Key]uint64)
	for _, d := range s.Flows.Snapshot() {
		totals[d.Key.RemoteIP] += d.RetransmitsDown + d.RetransmitsUp
	}
	rows := make([]worstRetransmitsRow, 0, len(totals))
	for ip, total := range totals {
		rows = append(rows, worstRetransmitsRow{IP: ip.Addr().String(), Retransmits: total})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Retransmits > rows[j].Retransmits })
	return "worst_retransmits", limit(rows, topListLen), true
}

func produceTopFlowsBytes(s *Sources) (string, any, bool) {
	if s.Flows == nil {
		return "", nil, false
	}
	return "top_flows_bytes", s.Flows.TopN(flows.MetricBytesDown, 0, topListLen), true
}

func produceTopFlowsRate(s *Sources) (string, any, bool) {
	if s.Flows == nil {
		return "", nil, false
	}
	return "top_flows_rate", s.Flows.TopN(flows.MetricRateDown, 0, topListLen), true
}

// flowDurationRow reports how long each recent flow has been alive,
// in nanoseconds of boot time, the unit pkg/flows already tracks
// timestamps in.
type flowDurationRow struct {
	Key           flows.Key `json:"key"`
	DurationNanos uint64    `json:"duration_nanos"`
}

func produceFlowDurations(s *Sources) (string, any, bool) {
	if s.Flows == nil {
		return "", nil, false
	}
	all := s.Flows.Snapshot()
	rows := make([]flowDurationRow, 0, len(all))
	for _, d := range all {
		rows = append(rows, flowDurationRow{Key: d.Key, DurationNanos: d.LastSeenBootNanos - d.StartBootNanos})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].DurationNanos > rows[j].DurationNanos })
	return "flow_durations", limit(rows, topListLen), true
}

type countryRow struct {
	Country string `json:"country"`
	Flows   int    `json:"flows"`
	Bytes   uint64 `json:"bytes"`
}

func produceEndpointsByCountry(s *Sources) (string, any, bool) {
	if s.Flows == nil {
		return "", nil, false
	}
	byCountry := make(map[string]*countryRow)
	for _, d := range s.Flows.Snapshot() {
		country := d.Country
		if country == "" {
			country = "??"
		}
		row, ok := byCountry[country]
		if !ok {
			row = &countryRow{Country: country}
			byCountry[country] = row
		}
		row.Flows++
		row.Bytes += d.BytesDown + d.BytesUp
	}
	out := make([]countryRow, 0, len(byCountry))
	for _, row := range byCountry {
		out = append(out, *row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bytes > out[j].Bytes })
	return "endpoints_by_country", out, true
}

type protocolRow struct {
	Protocol string `json:"protocol"`
	Flows    int    `json:"flows"`
}

// produceEtherProtocols approximates an ethertype breakdown as IPv4 vs
// IPv6, the one L2-adjacent distinction pkg/flows's IP-only 5-tuple
// can answer; there is no Ethernet-frame capture in this port.
func produceEtherProtocols(s *Sources) (string, any, bool) {
	if s.Flows == nil {
		return "", nil, false
	}
	var v4, v6 int
	for _, d := range s.Flows.Snapshot() {
		if d.Key.RemoteIP.IsV4Mapped() {
			v4++
		} else {
			v6++
		}
	}
	return "ether_protocols", []protocolRow{{Protocol: "IPv4", Flows: v4}, {Protocol: "IPv6", Flows: v6}}, true
}

func produceIPProtocols(s *Sources) (string, any, bool) {
	if s.Flows == nil {
		return "", nil, false
	}
	counts := make(map[flows.Protocol]int)
	for _, d := range s.Flows.Snapshot() {
		counts[d.Key.Proto]++
	}
	out := make([]protocolRow, 0, len(counts))
	for proto, n := range counts {
		out = append(out, protocolRow{Protocol: ipProtocolName(proto), Flows: n})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Flows > out[j].Flows })
	return "ip_protocols", out, true
}

func ipProtocolName(p flows.Protocol) string {
	switch p {
	case 1:
		return "ICMP"
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	default:
		return strconv.Itoa(int(p))
	}
}

func produceNetworkTree(s *Sources) (string, any, bool) {
	tree := nettree.Active()
	if len(tree.Nodes) == 0 {
		return "", nil, false
	}
	return "network_tree", tree.Nodes, true
}

func produceNetworkTreeClients(s *Sources) (string, any, bool) {
	tree := nettree.Active()
	if len(tree.Nodes) == 0 {
		return "", nil, false
	}
	out := make([]nettree.Node, 0, len(tree.Nodes))
	for _, n := range tree.Nodes {
		if n.Type == nettree.NodeTypeClient {
			out = append(out, n)
		}
	}
	return "network_tree_clients", out, true
}

type capacityRow struct {
	Name         string  `json:"name"`
	DownPercent  float64 `json:"down_percent"`
	UpPercent    float64 `json:"up_percent"`
}

func capacityRows(tree *nettree.Tree, onlyClients bool) []capacityRow {
	out := make([]capacityRow, 0, len(tree.Nodes))
	for _, n := range tree.Nodes {
		if onlyClients && n.Type != nettree.NodeTypeClient {
			continue
		}
		row := capacityRow{Name: n.Name}
		if n.MaxDown > 0 {
			row.DownPercent = (float64(n.CurrentDownBytesPerSec) * 8 / 1_000_000) / n.MaxDown * 100
		}
		if n.MaxUp > 0 {
			row.UpPercent = (float64(n.CurrentUpBytesPerSec) * 8 / 1_000_000) / n.MaxUp * 100
		}
		out = append(out, row)
	}
	return out
}

func produceTreeCapacity(s *Sources) (string, any, bool) {
	tree := nettree.Active()
	if len(tree.Nodes) == 0 {
		return "", nil, false
	}
	return "tree_capacity", capacityRows(tree, false), true
}

func produceCircuitCapacity(s *Sources) (string, any, bool) {
	tree := nettree.Active()
	if len(tree.Nodes) == 0 {
		return "", nil, false
	}
	return "circuit_capacity", capacityRows(tree, true), true
}

// produceTreeSummaryL2 rolls up the tree one level below the
// synthetic root, the "second layer" summary a top-level dashboard
// tile wants without walking the whole tree.
func produceTreeSummaryL2(s *Sources) (string, any, bool) {
	tree := nettree.Active()
	if len(tree.Nodes) == 0 {
		return "", nil, false
	}
	out := make([]nettree.Node, 0)
	for _, n := range tree.Nodes {
		if n.ImmediateParent == 0 {
			out = append(out, n)
		}
	}
	return "tree_summary_l2", out, true
}

type bakeryStatusPayload struct {
	Active     int `json:"active"`
	KnownOnly  int `json:"known_only"`
	Expiring   int `json:"expiring"`
	Structural int `json:"structural"`
}

func produceBakeryStatus(s *Sources) (string, any, bool) {
	if s.Bakery == nil {
		return "", nil, false
	}
	active, knownOnly, expiring, structural := s.Bakery.State().Counts()
	return "bakery_status", bakeryStatusPayload{Active: active, KnownOnly: knownOnly, Expiring: expiring, Structural: structural}, true
}

type stormguardStatusRow struct {
	SiteHash        int64   `json:"site_hash"`
	CurrentCeilDown float64 `json:"current_ceil_down"`
	CurrentCeilUp   float64 `json:"current_ceil_up"`
}

func produceStormguardStatus(s *Sources) (string, any, bool) {
	if s.Stormguard == nil {
		return "", nil, false
	}
	sites := s.Stormguard.Sites()
	out := make([]stormguardStatusRow, len(sites))
	for i, site := range sites {
		out[i] = stormguardStatusRow{SiteHash: site.SiteHash, CurrentCeilDown: site.CurrentCeilDown, CurrentCeilUp: site.CurrentCeilUp}
	}
	return "stormguard_status", out, true
}

func limit[T any](rows []T, n int) []T {
	if len(rows) > n {
		return rows[:n]
	}
	return rows
}

// readCPUPercent reads /proc/stat's aggregate "cpu" line. There is no
// history.HistoryStore-style instantaneous gauge for CPU usage
// upstream, so this reads two /proc/stat samples a tick apart itself.
var lastCPUTotal, lastCPUIdle uint64

func readCPUPercent() float64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}
	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	defer func() { lastCPUTotal, lastCPUIdle = total, idle }()
	deltaTotal := total - lastCPUTotal
	deltaIdle := idle - lastCPUIdle
	if lastCPUTotal == 0 || deltaTotal == 0 {
		return 0
	}
	return (1 - float64(deltaIdle)/float64(deltaTotal)) * 100
}

func readMemPercent() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0
	}
	return (1 - float64(available)/float64(total)) * 100
}
