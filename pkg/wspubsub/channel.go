// Package wspubsub implements the WebSocket Pub/Sub surface: a
// topic-based publisher with named channels, each produced by
// a periodic ticker and delivered only to connections that asked for
// it, plus four private single-client channels for drill-down.
package wspubsub

// Channel names one of the multiplexed pub/sub topics.
type Channel string

const (
	ChannelThroughput         Channel = "Throughput"
	ChannelRttHistogram       Channel = "RttHistogram"
	ChannelCpu                Channel = "Cpu"
	ChannelRam                Channel = "Ram"
	ChannelTopDownloads       Channel = "TopDownloads"
	ChannelWorstRTT           Channel = "WorstRTT"
	ChannelWorstRetransmits   Channel = "WorstRetransmits"
	ChannelTopFlowsBytes      Channel = "TopFlowsBytes"
	ChannelTopFlowsRate       Channel = "TopFlowsRate"
	ChannelFlowDurations      Channel = "FlowDurations"
	ChannelEndpointsByCountry Channel = "EndpointsByCountry"
	ChannelEtherProtocols     Channel = "EtherProtocols"
	ChannelIpProtocols        Channel = "IpProtocols"
	ChannelNetworkTree        Channel = "NetworkTree"
	ChannelNetworkTreeClients Channel = "NetworkTreeClients"
	ChannelTreeCapacity       Channel = "TreeCapacity"
	ChannelCircuitCapacity    Channel = "CircuitCapacity"
	ChannelTreeSummaryL2      Channel = "TreeSummaryL2"
	ChannelBakeryStatus       Channel = "BakeryStatus"
	ChannelStormguardStatus   Channel = "StormguardStatus"
)

// AllChannels enumerates every named channel.
var AllChannels = []Channel{
	ChannelThroughput, ChannelRttHistogram, ChannelCpu, ChannelRam,
	ChannelTopDownloads, ChannelWorstRTT, ChannelWorstRetransmits,
	ChannelTopFlowsBytes, ChannelTopFlowsRate, ChannelFlowDurations,
	ChannelEndpointsByCountry, ChannelEtherProtocols, ChannelIpProtocols,
	ChannelNetworkTree, ChannelNetworkTreeClients, ChannelTreeCapacity,
	ChannelCircuitCapacity, ChannelTreeSummaryL2, ChannelBakeryStatus,
	ChannelStormguardStatus,
}

// PrivateChannel names one of the four single-client drill-down
// variants.
type PrivateChannel string

const (
	PrivateCircuitWatcher PrivateChannel = "CircuitWatcher"
	PrivatePingMonitor    PrivateChannel = "PingMonitor"
	PrivateFlowsByCircuit PrivateChannel = "FlowsByCircuit"
	PrivateCakeWatcher    PrivateChannel = "CakeWatcher"
)

// Cadence is how often a channel's producer runs.
type Cadence int

const (
	Cadence1s Cadence = iota
	Cadence2s
	Cadence5s
)

// cadenceOf groups channels by tick period.
// Per-IP/flow/tree figures are cheap to recompute from
// state the Throughput Tracker already ticked once a second, so they
// run at 1s; queue/controller status changes more slowly and runs at
// 2s; host resource usage is the slowest-moving and runs at 5s.
func cadenceOf(ch Channel) Cadence {
	switch ch {
	case ChannelCpu, ChannelRam:
		return Cadence5s
	case ChannelTreeCapacity, ChannelCircuitCapacity, ChannelBakeryStatus, ChannelStormguardStatus:
		return Cadence2s
	default:
		return Cadence1s
	}
}

func (c Cadence) period() (seconds int) {
	switch c {
	case Cadence2s:
		return 2
	case Cadence5s:
		return 5
	default:
		return 1
	}
}
