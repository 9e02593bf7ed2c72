package bakery

// CommandKind tags which of the five Bakery command variants a Command
// carries.
type CommandKind int

const (
	CmdUpdateCircuit CommandKind = iota
	CmdExpireCircuit
	CmdRebuild
	CmdSetParentRate
	CmdFlush
)

// Topology is the wholesale replacement payload for CmdRebuild: every
// structural node that should exist after the rebuild, keyed by
// site hash.
type Topology struct {
	Structural []StructuralQueueInfo
}

// CircuitSpec is the information needed to lazily create a circuit's
// leaf queue the first time its traffic is observed. The caller (Throughput
// Tracker, resolving via the shaped-device trie and Network Tree)
// supplies it on every UpdateCircuit; the Bakery ignores it once the
// circuit already exists so a stale resolution can't downgrade a live
// queue's parameters.
type CircuitSpec struct {
	Interface string
	Parent    ClassID
	ClassID   ClassID
	RateMbps  float64
	CeilMbps  float64
	Quantum   uint64
	R2Q       uint64
	Comment   string
	SQMParams []string
}

// Command is one of the five Bakery command variants, carried over the
// bounded MPSC queue to the single owner goroutine.
type Command struct {
	Kind CommandKind

	// UpdateCircuit / ExpireCircuit
	CircuitHash int64
	Spec        CircuitSpec

	// Rebuild
	Topology Topology

	// SetParentRate
	SiteHash     int64
	NewCeilDown  float64
	NewCeilUp    float64

	// Flush: Done is closed once the flush has been applied, letting a
	// caller block for completion.
	Done chan struct{}
}

// UpdateCircuit builds the "this circuit's traffic is active; ensure
// its leaf queue exists" command. spec carries the
// parameters needed to create the queue lazily if this is the first
// time circuitHash has been seen.
func UpdateCircuit(circuitHash int64, spec CircuitSpec) Command {
	return Command{Kind: CmdUpdateCircuit, CircuitHash: circuitHash, Spec: spec}
}

// ExpireCircuit builds the command for "idle; drop the leaf queue."
func ExpireCircuit(circuitHash int64) Command {
	return Command{Kind: CmdExpireCircuit, CircuitHash: circuitHash}
}

// Rebuild builds the wholesale structural-replacement command.
func Rebuild(topology Topology) Command {
	return Command{Kind: CmdRebuild, Topology: topology}
}

// SetParentRate builds the command Stormguard issues to adjust a
// site's ceilings.
func SetParentRate(siteHash int64, newCeilDown, newCeilUp float64) Command {
	return Command{Kind: CmdSetParentRate, SiteHash: siteHash, NewCeilDown: newCeilDown, NewCeilUp: newCeilUp}
}

// Flush builds a flush command whose Done channel is closed once every
// pending mutation has been applied.
func Flush() Command {
	return Command{Kind: CmdFlush, Done: make(chan struct{})}
}
