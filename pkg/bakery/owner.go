package bakery

import (
	"time"

	"code.hybscloud.com/lfq"

	"github.com/openqos/shaperd/pkg/log"
)

// queueCapacity bounds the owner's inbound command queue.
const queueCapacity = 4096

// Owner is the single goroutine that consumes Bakery commands serially
// and drives `tc` to match the model. Serial consumption means the
// model needs no locking: only the owner goroutine ever touches it.
type Owner struct {
	state    *State
	queue    *lfq.MPSC[Command]
	executor *BatchExecutor

	idleThreshold time.Duration
	interfaceMax  map[string]float64 // bandwidth cap per interface, for the malformed-rate check

	pending [][]string // batched tc command lines awaiting the next Flush
}

// NewOwner constructs an Owner with its own bounded command queue.
func NewOwner(idleThreshold time.Duration, interfaceMax map[string]float64) *Owner {
	return &Owner{
		state:         NewState(),
		queue:         lfq.NewMPSC[Command](queueCapacity),
		executor:      NewBatchExecutor(),
		idleThreshold: idleThreshold,
		interfaceMax:  interfaceMax,
	}
}

// Send enqueues a command for the owner goroutine. Producers (the
// daemon's idle-reconciliation loop with UpdateCircuit and Flush,
// Stormguard's SetParentRate, the topology rebuild with Rebuild) all
// call this.
func (o *Owner) Send(cmd Command) error {
	return o.queue.Enqueue(&cmd)
}

// State exposes the model for read-only inspection (Bus stats
// queries). Callers must not mutate the returned value.
func (o *Owner) State() *State {
	return o.state
}

// Run consumes commands serially until stopCh is closed.
func (o *Owner) Run(stopCh <-chan struct{}) {
	backoff := time.Millisecond
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		cmd, err := o.queue.Dequeue()
		if err != nil {
			time.Sleep(backoff)
			if backoff < 10*time.Millisecond {
				backoff *= 2
			}
			continue
		}
		backoff = time.Millisecond
		o.handle(cmd)
	}
}

func (o *Owner) handle(cmd Command) {
	switch cmd.Kind {
	case CmdUpdateCircuit:
		o.updateCircuit(cmd.CircuitHash, cmd.Spec)
	case CmdExpireCircuit:
		o.expireCircuit(cmd.CircuitHash)
	case CmdRebuild:
		o.rebuild(cmd.Topology)
	case CmdSetParentRate:
		o.setParentRate(cmd.SiteHash, cmd.NewCeilDown, cmd.NewCeilUp)
	case CmdFlush:
		o.flush()
		if cmd.Done != nil {
			close(cmd.Done)
		}
	}
}

// updateCircuit materializes a circuit's leaf queue on first observed
// traffic and moves Known-only/Expiring circuits to Active.
// circuitHash is the opaque upstream-supplied identity; the Bakery
// never computes one.
func (o *Owner) updateCircuit(circuitHash int64, spec CircuitSpec) {
	c, existed := o.state.Circuits[circuitHash]
	if !existed {
		if spec.RateMbps <= 0 {
			log.With("bakery").Warn().Int64("circuit_hash", circuitHash).Msg("rejecting malformed rate on first UpdateCircuit")
			return
		}
		if max, ok := o.interfaceMax[spec.Interface]; ok && spec.CeilMbps > max {
			log.With("bakery").Warn().Int64("circuit_hash", circuitHash).Msg("rejecting ceil above interface max on first UpdateCircuit")
			return
		}
		c = &CircuitQueueInfo{
			Interface: spec.Interface,
			Parent:    spec.Parent,
			ClassID:   spec.ClassID,
			RateMbps:  spec.RateMbps,
			CeilMbps:  spec.CeilMbps,
			CircuitHash: circuitHash,
			Comment:   spec.Comment,
			Quantum:   spec.Quantum,
			R2Q:       spec.R2Q,
			SQMParams: spec.SQMParams,
		}
		o.state.Circuits[circuitHash] = c
	}
	wasActive := c.Status == StatusActive
	c.Status = StatusActive
	c.LastUpdated = time.Now()
	if !wasActive {
		o.pending = append(o.pending,
			ClassAddLine(c.Interface, c.Parent, c.ClassID, c.RateMbps, c.CeilMbps, c.Quantum),
			QdiscAddCakeLine(c.Interface, c.ClassID, c.SQMParams),
		)
	}
}

// expireCircuit marks a circuit Expiring; the actual deletion is
// batched on the next flush, after which the circuit returns to
// Known-only.
func (o *Owner) expireCircuit(circuitHash int64) {
	c, ok := o.state.Circuits[circuitHash]
	if !ok || c.Status != StatusActive {
		return
	}
	c.Status = StatusExpiring
}

// AgeOutIdle scans for Active circuits past idleThreshold and marks
// them Expiring. Called once per tick by the owning process alongside
// the Throughput Tracker, which uses the same idle definition, so a
// circuit's queue and its tracker entry expire together.
func (o *Owner) AgeOutIdle(now time.Time) {
	for _, c := range o.state.Circuits {
		if c.Status == StatusActive && now.Sub(c.LastUpdated) > o.idleThreshold {
			c.Status = StatusExpiring
		}
	}
}

func (o *Owner) rebuild(topology Topology) {
	o.state.Structural = make(map[int64]*StructuralQueueInfo, len(topology.Structural))
	for i := range topology.Structural {
		s := topology.Structural[i]
		o.state.Structural[s.SiteHash] = &s
		o.pending = append(o.pending,
			ClassAddLine(s.Interface, s.Parent, s.ClassID, s.RateMbps, s.CeilMbps, s.Quantum),
		)
		if s.UpInterface != "" {
			o.pending = append(o.pending,
				ClassAddLine(s.UpInterface, s.UpParent, s.UpClassID, s.UpRateMbps, s.UpCeilMbps, s.Quantum),
			)
		}
	}
}

// setParentRate applies Stormguard's recommended ceilings to both of a
// site's directions. Each side validates and rejects independently, so
// a bad upload value never blocks an otherwise-valid download change,
// and vice versa.
func (o *Owner) setParentRate(siteHash int64, newCeilDown, newCeilUp float64) {
	s, ok := o.state.Structural[siteHash]
	if !ok {
		log.With("bakery").Warn().Int64("site_hash", siteHash).Msg("SetParentRate for unknown site hash; ignoring")
		return
	}
	if newCeilDown <= 0 {
		log.With("bakery").Warn().Float64("ceil_down", newCeilDown).Msg("rejecting malformed rate")
	} else if max, ok := o.interfaceMax[s.Interface]; ok && newCeilDown > max {
		log.With("bakery").Warn().Float64("ceil_down", newCeilDown).Float64("max", max).Msg("rejecting rate above interface max")
	} else {
		s.CeilMbps = newCeilDown
		o.pending = append(o.pending, ClassChangeRateLine(s.Interface, s.ClassID, s.RateMbps, newCeilDown))
	}

	if s.UpInterface == "" {
		return
	}
	if newCeilUp <= 0 {
		log.With("bakery").Warn().Float64("ceil_up", newCeilUp).Msg("rejecting malformed rate")
		return
	}
	if max, ok := o.interfaceMax[s.UpInterface]; ok && newCeilUp > max {
		log.With("bakery").Warn().Float64("ceil_up", newCeilUp).Float64("max", max).Msg("rejecting rate above interface max")
		return
	}
	s.UpCeilMbps = newCeilUp
	o.pending = append(o.pending, ClassChangeRateLine(s.UpInterface, s.UpClassID, s.UpRateMbps, newCeilUp))
}

// flush folds Expiring circuits' deletions into the pending set, then
// applies everything as one tc batch over a single child stdin.
func (o *Owner) flush() {
	for hash, c := range o.state.Circuits {
		if c.Status != StatusExpiring {
			continue
		}
		o.pending = append(o.pending,
			QdiscDeleteLine(c.Interface, c.ClassID),
			ClassDeleteLine(c.Interface, c.ClassID),
		)
		c.Status = StatusKnownOnly
		_ = hash
	}
	if len(o.pending) == 0 {
		return
	}
	lines := o.pending
	o.pending = nil
	_ = o.executor.Apply("flush", lines)
}
