package submission

// StatsSummary is a (down, up) min/max/avg triple over the collation
// period.
type StatsSummary struct {
	Min [2]uint64 `cbor:"min"`
	Max [2]uint64 `cbor:"max"`
	Avg [2]uint64 `cbor:"avg"`
}

// RTTSummary mirrors StatsRttSummary: min/max/avg of a single RTT
// value (fixed-point milliseconds) over the period.
type RTTSummary struct {
	Min uint32 `cbor:"min"`
	Max uint32 `cbor:"max"`
	Avg uint32 `cbor:"avg"`
}

// Totals mirrors StatsTotals.
type Totals struct {
	Packets    StatsSummary `cbor:"packets"`
	Bits       StatsSummary `cbor:"bits"`
	ShapedBits StatsSummary `cbor:"shaped_bits"`
}

// Host mirrors StatsHost: one circuit/IP's rollup for the period.
type Host struct {
	CircuitID string     `cbor:"circuit_id,omitempty"`
	IPAddress string     `cbor:"ip_address"`
	Bits      StatsSummary `cbor:"bits"`
	RTT       RTTSummary   `cbor:"rtt"`
}

// TreeNode mirrors StatsTreeNode: one Network Tree node's rollup,
// carrying the same ancestor-index shape pkg/nettree.Node does so the
// ingestor can reconstruct the tree without re-deriving it.
type TreeNode struct {
	Index             int          `cbor:"index"`
	Name              string       `cbor:"name"`
	MaxThroughput     [2]uint32    `cbor:"max_throughput"`
	CurrentThroughput StatsSummary `cbor:"current_throughput"`
	RTT               RTTSummary   `cbor:"rtt"`
	Parents           []int        `cbor:"parents"`
	ImmediateParent   int          `cbor:"immediate_parent"` // -1 for root/no parent
	NodeType          string       `cbor:"node_type,omitempty"`
}

// StatsSubmission is one collation period's complete telemetry
// payload (Batch.Kind == BatchStatsSubmission).
type StatsSubmission struct {
	TimestampUnix uint64     `cbor:"timestamp"`
	Totals        *Totals    `cbor:"totals,omitempty"`
	Hosts         []Host     `cbor:"hosts,omitempty"`
	Tree          []TreeNode `cbor:"tree,omitempty"`
	CPUUsage      []uint32   `cbor:"cpu_usage,omitempty"`
	RAMPercent    uint32     `cbor:"ram_percent"`
}

// DeviceRecord is one ShapedDevices.csv row as submitted to Insight
// for circuit/device inventory sync (Batch.Kind == BatchDeviceList).
// Only the inventory fields travel; the kernel doesn't need this copy.
type DeviceRecord struct {
	CircuitID   string `cbor:"circuit_id"`
	CircuitName string `cbor:"circuit_name"`
	DeviceID    string `cbor:"device_id"`
	DeviceName  string `cbor:"device_name"`
	ParentNode  string `cbor:"parent_node"`
	MAC         string `cbor:"mac"`
	MaxDownMbps uint32 `cbor:"max_down_mbps"`
	MaxUpMbps   uint32 `cbor:"max_up_mbps"`
}

// DeviceList is the BatchDeviceList payload: the full current circuit
// inventory, resubmitted wholesale on topology reload rather than
// diffed.
type DeviceList struct {
	Devices []DeviceRecord `cbor:"devices"`
}
