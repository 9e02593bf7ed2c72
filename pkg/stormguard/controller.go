package stormguard

import (
	"time"

	"github.com/openqos/shaperd/pkg/bakery"
	"github.com/openqos/shaperd/pkg/log"
)

// SampleSource supplies one tick's measurements for a watched site.
// The caller (normally wired to the Throughput Tracker and Flow
// Analysis aggregates) owns how these numbers are derived.
type SampleSource interface {
	Sample(siteHash int64) (throughputMbps, retransmits, rttMs float64, ok bool)
}

// Controller runs the 1 Hz closed loop: for
// each watched site, sample, classify, and recommend a ceiling change,
// forwarded to the Bakery and the datalog writer.
type Controller struct {
	sites map[int64]*Site
	order []int64

	samples SampleSource
	owner   *bakery.Owner
	datalog *DataLog

	dryRun bool
}

// NewController constructs a Stormguard controller. onAStick rejects
// construction: single-interface dual-VLAN setups have no distinct
// parent classes to steer, so callers check the returned error and
// skip starting the controller rather than crashing the daemon.
func NewController(samples SampleSource, owner *bakery.Owner, datalog *DataLog, dryRun, onAStick bool) (*Controller, error) {
	if onAStick {
		return nil, errOnAStick
	}
	return &Controller{
		sites:   make(map[int64]*Site),
		samples: samples,
		owner:   owner,
		datalog: datalog,
		dryRun:  dryRun,
	}, nil
}

var errOnAStick = onAStickError{}

type onAStickError struct{}

func (onAStickError) Error() string {
	return "stormguard: not available in on-a-stick mode"
}

// Watch registers a site for per-tick evaluation, or replaces its
// bounds if already watched.
func (c *Controller) Watch(site *Site) {
	if _, ok := c.sites[site.SiteHash]; !ok {
		c.order = append(c.order, site.SiteHash)
	}
	c.sites[site.SiteHash] = site
}

// Sites returns every currently watched site, in registration order,
// for read-only inspection (the Bus Server's StormguardStats query).
func (c *Controller) Sites() []*Site {
	out := make([]*Site, 0, len(c.order))
	for _, hash := range c.order {
		out = append(out, c.sites[hash])
	}
	return out
}

// Unwatch drops a site, e.g. after a topology rebuild removes it.
func (c *Controller) Unwatch(siteHash int64) {
	delete(c.sites, siteHash)
	for i, h := range c.order {
		if h == siteHash {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Run ticks once per second until stopCh closes. Runs on its own
// goroutine, never on the tracker's tick path.
func (c *Controller) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick evaluates every watched site once, in registration order so
// datalog output and tests are deterministic.
func (c *Controller) Tick() {
	for _, hash := range c.order {
		site := c.sites[hash]
		throughput, retransmits, rtt, ok := c.samples.Sample(hash)
		if !ok {
			continue
		}
		site.Observe(throughput, retransmits, rtt)
		newCeilDown, newCeilUp, adjusted, decision := site.Tick()
		if c.datalog != nil {
			c.datalog.Write(Row{
				SiteHash:        hash,
				ThroughputMbps:  throughput,
				Retransmits:     retransmits,
				RTTMs:           rtt,
				Saturation:      decision.Saturation,
				RetransmitTrend: decision.RetransmitTrend,
				RTTTrend:        decision.RTTTrend,
				Adjusted:        adjusted,
				CeilDownMbps:    newCeilDown,
				CeilUpMbps:      newCeilUp,
			})
		}
		if !adjusted {
			continue
		}
		if c.dryRun {
			log.With("stormguard").Info().Int64("site_hash", hash).
				Float64("new_ceil_down", newCeilDown).Float64("new_ceil_up", newCeilUp).
				Bool("must_decrease", decision.MustDecrease).Msg("dry-run: would adjust ceiling")
			continue
		}
		if c.owner != nil {
			_ = c.owner.Send(bakery.SetParentRate(hash, newCeilDown, newCeilUp))
		}
	}
}
