// Package bus implements a length-prefixed CBOR request/reply
// protocol served over a UNIX socket: the
// single channel every other surface (CLI tools, the dashboard's HTTP
// layer, the WebSocket tickers) uses to read or mutate daemon state.
//
// The request/response taxonomy is a tagged struct rather than a
// closed sum type: fxamacker/cbor/v2 round-trips a struct with
// omitempty fields cleanly, and new request kinds slot in without a
// wire-format change.
package bus

import (
	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is the 2-byte big-endian version every frame leads with.
const ProtocolVersion uint16 = 1

// AuthCookie is the constant session cookie carried in every frame;
// it authenticates nothing by
// itself (the socket's filesystem permissions do that) but guards
// against a client accidentally talking to the wrong protocol.
const AuthCookie uint32 = 1234

// RequestKind tags which of the bus's request variants a Request carries.
type RequestKind string

const (
	ReqPing                RequestKind = "ping"
	ReqCurrentThroughput   RequestKind = "current_throughput"
	ReqTopDownloaders      RequestKind = "top_downloaders"
	ReqWorstRTT            RequestKind = "worst_rtt"
	ReqWorstRetransmits    RequestKind = "worst_retransmits"
	ReqFlowsAll            RequestKind = "flows_all"
	ReqFlowsByCircuit      RequestKind = "flows_by_circuit"
	ReqFlowsByASN          RequestKind = "flows_by_asn"
	ReqFlowsTopN           RequestKind = "flows_top_n"
	ReqTreeFull            RequestKind = "tree_full"
	ReqTreeSubtree         RequestKind = "tree_subtree"
	ReqMapIPToClass        RequestKind = "map_ip_to_class"
	ReqDelIPFlow           RequestKind = "del_ip_flow"
	ReqClearIPFlow         RequestKind = "clear_ip_flow"
	ReqListIPFlow          RequestKind = "list_ip_flow"
	ReqRawQueueByCircuit   RequestKind = "raw_queue_by_circuit"
	ReqReloadTopology      RequestKind = "reload_topology"
	ReqBakeryStats         RequestKind = "bakery_stats"
	ReqStormguardStats     RequestKind = "stormguard_stats"
	ReqFlushHotCache       RequestKind = "flush_hot_cache"
	ReqAllUnknownIPs       RequestKind = "all_unknown_ips"
	ReqHostCounts          RequestKind = "host_counts"
	ReqIssues              RequestKind = "issues"
)

// Request is one bus request. Only the fields relevant to Kind are
// populated; the rest are left zero and omitted on the wire.
type Request struct {
	Kind RequestKind `cbor:"kind"`

	// Pagination, shared by every Top-N variant.
	Start uint32 `cbor:"start,omitempty"`
	End   uint32 `cbor:"end,omitempty"`

	Metric string `cbor:"metric,omitempty"` // flows_top_n: one of flows.Metric's names

	CircuitID string `cbor:"circuit_id,omitempty"`
	ASN       uint32 `cbor:"asn,omitempty"`
	NodeName  string `cbor:"node_name,omitempty"` // tree_subtree

	IPAddress string `cbor:"ip_address,omitempty"`
	TCHandle  uint32 `cbor:"tc_handle,omitempty"`
	CPU       uint32 `cbor:"cpu,omitempty"`
	Upload    bool   `cbor:"upload,omitempty"`
}

// Response is one bus reply, 1:1 positional with the Request it answers.
type Response struct {
	Kind RequestKind `cbor:"kind"`

	Ack   bool   `cbor:"ack,omitempty"`
	Error string `cbor:"error,omitempty"`

	Throughput *ThroughputPayload `cbor:"throughput,omitempty"`
	IPStats    []IPStat           `cbor:"ip_stats,omitempty"`
	Flows      []FlowPayload      `cbor:"flows,omitempty"`
	Tree       []TreeNodePayload  `cbor:"tree,omitempty"`
	MappedIPs  []IPMapping        `cbor:"mapped_ips,omitempty"`

	RawQueueJSON string `cbor:"raw_queue_json,omitempty"`

	BakeryStats     *BakeryStatsPayload   `cbor:"bakery_stats,omitempty"`
	StormguardStats []StormguardRow       `cbor:"stormguard_stats,omitempty"`
	HostCounts      *HostCountsPayload    `cbor:"host_counts,omitempty"`
	Issues          []IssuePayload        `cbor:"issues,omitempty"`
}

// ThroughputPayload mirrors throughput.Snapshot for the wire.
type ThroughputPayload struct {
	BitsPerSecondDown    uint64 `cbor:"bits_down"`
	BitsPerSecondUp      uint64 `cbor:"bits_up"`
	PacketsPerSecondDown uint64 `cbor:"packets_down"`
	PacketsPerSecondUp   uint64 `cbor:"packets_up"`
	ShapedBitsPerSecondDown uint64 `cbor:"shaped_bits_down"`
	ShapedBitsPerSecondUp   uint64 `cbor:"shaped_bits_up"`
}

// IPStat is one row of a Top-N or unknown-IPs response.
type IPStat struct {
	IPAddress         string `cbor:"ip_address"`
	CircuitID         string `cbor:"circuit_id,omitempty"`
	BitsPerSecondDown uint64 `cbor:"bits_down"`
	BitsPerSecondUp   uint64 `cbor:"bits_up"`
	MedianRTTMs       uint16 `cbor:"median_rtt_ms,omitempty"`
	TCPRetransmits    uint64 `cbor:"tcp_retransmits,omitempty"`
}

// FlowPayload is one flow row.
type FlowPayload struct {
	RemoteIP  string  `cbor:"remote_ip"`
	LocalIP   string  `cbor:"local_ip"`
	SrcPort   uint16  `cbor:"src_port"`
	DstPort   uint16  `cbor:"dst_port"`
	Proto     uint8   `cbor:"proto"`
	BytesDown uint64  `cbor:"bytes_down"`
	BytesUp   uint64  `cbor:"bytes_up"`
	RateDown  float64 `cbor:"rate_down"`
	RateUp    float64 `cbor:"rate_up"`
	ASN       uint32  `cbor:"asn,omitempty"`
	Country   string  `cbor:"country,omitempty"`
}

// TreeNodePayload is one Network Tree node row.
type TreeNodePayload struct {
	Name                   string  `cbor:"name"`
	Type                   string  `cbor:"type"`
	MaxDownMbps            float64 `cbor:"max_down"`
	MaxUpMbps              float64 `cbor:"max_up"`
	CurrentDownBytesPerSec uint64  `cbor:"current_down"`
	CurrentUpBytesPerSec   uint64  `cbor:"current_up"`
	CakeMarks              uint64  `cbor:"cake_marks"`
	CakeDrops              uint64  `cbor:"cake_drops"`
}

// IPMapping is one row of a ListIPFlow reply.
type IPMapping struct {
	IPAddress string `cbor:"ip_address"`
	TCHandle  uint32 `cbor:"tc_handle"`
	CPU       uint32 `cbor:"cpu"`
}

// BakeryStatsPayload summarizes pkg/bakery.State.
type BakeryStatsPayload struct {
	ActiveCircuits     int `cbor:"active_circuits"`
	KnownOnlyCircuits  int `cbor:"known_only_circuits"`
	ExpiringCircuits   int `cbor:"expiring_circuits"`
	StructuralQueues   int `cbor:"structural_queues"`
}

// StormguardRow is one watched site's last decision.
type StormguardRow struct {
	SiteHash       int64   `cbor:"site_hash"`
	CurrentCeilDown float64 `cbor:"current_ceil_down"`
	CurrentCeilUp   float64 `cbor:"current_ceil_up"`
}

// HostCountsPayload answers HostCounts.
type HostCountsPayload struct {
	Shaped  uint32 `cbor:"shaped"`
	Unknown uint32 `cbor:"unknown"`
}

// IssuePayload mirrors pkg/issues.Issue for the wire.
type IssuePayload struct {
	Severity  int    `cbor:"severity"`
	Code      string `cbor:"code"`
	Message   string `cbor:"message"`
	Count     int    `cbor:"count"`
	FirstSeen int64  `cbor:"first_seen_unix"`
	LastSeen  int64  `cbor:"last_seen_unix"`
}

// Session is the decoded frame payload: an auth cookie, a persist
// flag (the handler loops for more frames instead of closing), and
// the request list.
type Session struct {
	AuthCookie uint32    `cbor:"auth_cookie"`
	Persist    bool      `cbor:"persist"`
	Requests   []Request `cbor:"requests"`
}

// Reply is the encoded frame payload sent back.
type Reply struct {
	AuthCookie uint32     `cbor:"auth_cookie"`
	Responses  []Response `cbor:"responses"`
}

// EncodeSession CBOR-encodes a session for writing to the wire.
func EncodeSession(s Session) ([]byte, error) {
	return cbor.Marshal(s)
}

// DecodeSession decodes a CBOR-encoded session payload.
func DecodeSession(raw []byte) (Session, error) {
	var s Session
	err := cbor.Unmarshal(raw, &s)
	return s, err
}

// EncodeReply CBOR-encodes a reply for writing to the wire.
func EncodeReply(r Reply) ([]byte, error) {
	return cbor.Marshal(r)
}

// DecodeReply decodes a CBOR-encoded reply payload.
func DecodeReply(raw []byte) (Reply, error) {
	var r Reply
	err := cbor.Unmarshal(raw, &r)
	return r, err
}
