// Package types holds the wire-format result of scraping `tc -s qdisc`
// for CAKE instances: one CakeStats per qdisc the kernel reports,
// consumed by pkg/parser (the scraper), pkg/history (its ring-buffer
// trend store) and the CakeWatcher private channel's per-circuit
// qdisc drill-down.
package types

import (
	"time"
)

//go:generate easyjson -all

// CakeTier holds per-tier statistics from one row of CAKE's diffserv
// table (Bulk/Best Effort/Video/Voice, or the single Tin row under
// besteffort mode). All counters use uint64 since a long-lived queue's
// packet/byte totals can exceed what a smaller type holds.
type CakeTier struct {
	Name     string `json:"name"`
	Thresh   string `json:"thresh"`
	Target   string `json:"target"`
	Interval string `json:"interval"`
	PkDelay  string `json:"pk_delay"`
	AvDelay  string `json:"av_delay"`
	SpDelay  string `json:"sp_delay"`
	Backlog  string `json:"backlog"`
	Pkts     uint64 `json:"pkts"`
	Bytes    uint64 `json:"bytes"`
	WayInds  uint64 `json:"way_inds"`
	WayMiss  uint64 `json:"way_miss"`
	WayCols  uint64 `json:"way_cols"`
	Drops    uint64 `json:"drops"`
	Marks    uint64 `json:"marks"`
	AckDrop  uint64 `json:"ack_drop"`
	SpFlows  uint64 `json:"sp_flows"`
	BkFlows  uint64 `json:"bk_flows"`
	UnFlows  uint64 `json:"un_flows"`
	MaxLen   uint64 `json:"max_len"`
	Quantum  uint64 `json:"quantum"`
}

// CakeStats holds everything scraped from one `tc -s qdisc` CAKE block.
// Handle+Interface is the qdisc's kernel identity; CircuitHash, when
// nonzero, is filled in by pkg/parser.FindByHandle once the handle has
// been matched back to a Bakery circuit or structural queue. The
// struct itself never computes it, mirroring the Bakery's own rule
// that hashes are supplied, not synthesized.
type CakeStats struct {
	Interface    string `json:"interface"`
	Handle       string `json:"handle"`
	Direction    string `json:"direction"`
	Bandwidth    string `json:"bandwidth"`
	DiffservMode string `json:"diffserv_mode"`
	RTT          string `json:"rtt"`
	Overhead     string `json:"overhead"`
	DualMode     string `json:"dual_mode"`
	FwmarkMask   string `json:"fwmark_mask"`
	NATEnabled   bool   `json:"nat_enabled"`
	// WashEnabled reflects CAKE's "wash"/"nowash" option, which strips
	// DSCP markings on egress. Parsed the same way NATEnabled is.
	WashEnabled  bool   `json:"wash_enabled"`
	CircuitHash  int64  `json:"circuit_hash,omitempty"`
	// ATMMode stores the framing-compensation mode string exactly as tc prints
	// it: "atm" for ATM cell framing (ADSL), "ptm" for PTM encoding (VDSL2),
	// or "" (empty) when no ATM/PTM compensation is active (noatm / raw).
	// Replaces the old ATMEnabled bool which collapsed atm and ptm into one.
	ATMMode      string `json:"atm_mode"`
	// MPU stores the minimum packet unit value when configured (e.g. "84").
	// Empty string means the mpu parameter was absent or zero.
	MPU          string `json:"mpu"`
	MemLimit     string `json:"memlimit"`
	RawHeader    string `json:"raw_header"`

	SentBytes  uint64 `json:"sent_bytes"`
	SentPkts   uint64 `json:"sent_pkts"`
	Dropped    uint64 `json:"dropped"`
	Overlimits uint64 `json:"overlimits"`
	Requeues   uint64 `json:"requeues"`

	BacklogBytes string `json:"backlog_bytes"`
	BacklogPkts  uint64 `json:"backlog_pkts"`

	MemoryUsed  string `json:"memory_used"`
	MemoryTotal string `json:"memory_total"`
	CapacityEst string `json:"capacity_estimate"`

	MinNetSize   string `json:"min_net_size"`
	MaxNetSize   string `json:"max_net_size"`
	MinAdjSize   string `json:"min_adj_size"`
	MaxAdjSize   string `json:"max_adj_size"`
	AvgHdrOffset string `json:"avg_hdr_offset"`

	Tiers     []CakeTier `json:"tiers"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Computed per-poll by pkg/history.HistoryStore.Record, not parsed
	// from tc output. Zero on the first poll of a given interface, since
	// there's no previous sample yet to diff against.
	TxBytesPerS  float64 `json:"tx_bytes_per_s"`
	DropsPerS    float64 `json:"drops_per_s"`
	MaxAvDelayMs float64 `json:"max_av_delay_ms"`
	MaxPkDelayMs float64 `json:"max_pk_delay_ms"`
}
