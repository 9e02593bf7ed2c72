package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openqos/shaperd/pkg/bakery"
	"github.com/openqos/shaperd/pkg/bus"
	"github.com/openqos/shaperd/pkg/circuithash"
	"github.com/openqos/shaperd/pkg/config"
	"github.com/openqos/shaperd/pkg/flows"
	"github.com/openqos/shaperd/pkg/history"
	"github.com/openqos/shaperd/pkg/hotcache"
	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/iprange"
	"github.com/openqos/shaperd/pkg/issues"
	"github.com/openqos/shaperd/pkg/kernel"
	"github.com/openqos/shaperd/pkg/lifecycle"
	"github.com/openqos/shaperd/pkg/log"
	"github.com/openqos/shaperd/pkg/nettree"
	"github.com/openqos/shaperd/pkg/server"
	"github.com/openqos/shaperd/pkg/shapeddevices"
	"github.com/openqos/shaperd/pkg/stormguard"
	"github.com/openqos/shaperd/pkg/submission"
	"github.com/openqos/shaperd/pkg/throughput"
	"github.com/openqos/shaperd/pkg/topology"
	"github.com/openqos/shaperd/pkg/wspubsub"
)

// Pinned eBPF map paths. map_ip_to_cpu_and_tc carries
// both the per-CPU throughput counters and the IP→TC-handle
// classification the Bus Server's CRUD requests mutate.
const (
	ipToClassMapPath = "/sys/fs/bpf/map_ip_to_cpu_and_tc"
	watchlistMapPath = "/sys/fs/bpf/heimdall_watching"
	heimdallMapPath  = "/sys/fs/bpf/heimdall_events"
)

const (
	lockPath       = "/run/shaperd/shaperd.lock"
	busSocketPath  = "/run/shaperd/bus.sock"
	processName    = "shaperd"
	hotCacheBytes  = 64 << 20
	httpListenAddr = "0.0.0.0:11112"
	cakeHistCap    = 300
)

// run loads configuration and wires every subsystem together, blocking
// until a shutdown signal arrives.
func run(configPath string) error {
	if err := config.Reload(configPath); err != nil {
		return fmt.Errorf("shaperd: loading configuration: %w", err)
	}
	cfg := config.Active()
	log.Logger = log.Logger.With().Str("node_id", cfg.NodeID).Logger()

	lock, err := lifecycle.Acquire(lockPath, processName)
	if err != nil {
		return err
	}
	shutdown := lifecycle.NewShutdown(lock, busSocketPath)
	defer shutdown.Cleanup()
	ctx := shutdown.Context()
	stopCh := ctx.Done()

	networkJSONPath := filepath.Join(cfg.LqosDirectory, "network.json")
	shapedDevicesPath := filepath.Join(cfg.LqosDirectory, "ShapedDevices.csv")

	if err := nettree.Reload(networkJSONPath); err != nil {
		log.Logger.Warn().Err(err).Msg("loading initial network tree")
	}
	if err := shapeddevices.Reload(shapedDevicesPath); err != nil {
		log.Logger.Warn().Err(err).Msg("loading initial shaped devices")
	}

	ipRanges, rangeErrs := iprange.Build(cfg.IPRanges)
	for _, e := range rangeErrs {
		log.Logger.Warn().Err(e).Msg("skipping malformed ip range")
	}

	ipToClassMap, err := kernel.OpenPinned(ipToClassMapPath)
	if err != nil {
		return fmt.Errorf("shaperd: opening ip-to-class map: %w", err)
	}
	defer ipToClassMap.Close()

	hotCache := hotcache.New(hotCacheBytes)

	resolver := shapeddevices.Resolver{Ancestors: func(parentNode string) ([]int, bool) {
		return nettree.Active().AncestorsOf(parentNode)
	}}
	tracker := throughput.NewTracker(ipToClassMap, resolver, int(cfg.IdleThreshold))

	interfaceMax := map[string]float64{
		cfg.InternetInterface: float64(cfg.Queues.DownlinkBandwidthMbps),
		cfg.ISPInterface:      float64(cfg.Queues.UplinkBandwidthMbps),
	}
	owner := bakery.NewOwner(cfg.IdleThreshold.AsTimeDuration(), interfaceMax)

	recentFlows := flows.NewRecentFlows()

	asnTablePath := filepath.Join(cfg.LqosDirectory, "ip2asn-combined.tsv")
	if t, err := flows.LoadASNTableGzipTSV(asnTablePath); err != nil {
		log.Logger.Warn().Err(err).Msg("loading ASN table; flows will report asn=0 until it's refreshed")
	} else {
		flows.SetActiveASNTable(t)
	}
	stopASNRefresh, asnRefreshWg := flows.StartRefresher(asnTablePath, func(err error) {
		log.Logger.Warn().Err(err).Msg("refreshing ASN table; retaining previous table")
	})
	defer func() {
		stopASNRefresh()
		asnRefreshWg.Wait()
	}()

	issueRing := issues.New()

	var watchlist *kernel.Watchlist
	if wl, err := kernel.NewWatchlist(watchlistMapPath); err != nil {
		log.Logger.Warn().Err(err).Msg("opening watchlist map; ad-hoc packet inspection disabled")
	} else {
		watchlist = wl
		defer watchlist.Close()
	}

	flowIngest := flows.NewIngestor(recentFlows, shapedDeviceLocalChecker{}, true)
	var heimdall *kernel.HeimdallReader
	if hr, err := kernel.OpenHeimdallReader(heimdallMapPath); err != nil {
		log.Logger.Warn().Err(err).Msg("opening heimdall perf map; per-packet flow enrichment disabled")
	} else {
		heimdall = hr
		defer heimdall.Close()
	}

	downIface, upIface := cfg.InternetInterface, cfg.ISPInterface
	if cfg.OnAStickMode {
		downIface, upIface = cfg.ISPInterface, cfg.ISPInterface
	}

	// siteHashes is the single source of truth for node-name -> site-hash
	// derivation, shared between the Bakery's structural queues (set by
	// rebuildTopology below) and Stormguard's watched sites/samples, so
	// both sides key the same site by the same int64.
	var siteHashes atomic.Pointer[map[string]int64]

	rebuildTopology := func() error {
		if err := nettree.Reload(networkJSONPath); err != nil {
			return err
		}
		if err := shapeddevices.Reload(shapedDevicesPath); err != nil {
			return err
		}
		plan := topology.Build(nettree.Active(), shapeddevices.Active(), downIface, upIface, topology.DepthWeight)
		if err := owner.Send(bakery.Rebuild(plan.Topology)); err != nil {
			return fmt.Errorf("shaperd: sending rebuild command: %w", err)
		}
		hashes := plan.SiteHashByNode
		siteHashes.Store(&hashes)
		hotCache.Flush()
		return nil
	}
	if err := rebuildTopology(); err != nil {
		log.Logger.Warn().Err(err).Msg("initial topology rebuild failed")
	}

	var stormguardCtrl *stormguard.Controller
	if cfg.Stormguard.Enabled {
		var datalog *stormguard.DataLog
		if cfg.Stormguard.DatalogPath != "" {
			f, err := os.OpenFile(cfg.Stormguard.DatalogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				log.Logger.Warn().Err(err).Msg("opening stormguard datalog; continuing without it")
			} else {
				defer f.Close()
				datalog = stormguard.NewDataLog(f)
			}
		}
		samples := trackerSampleSource{tracker: tracker, tree: nettree.Active, siteHashes: &siteHashes}
		ctrl, err := stormguard.NewController(samples, owner, datalog, cfg.Stormguard.DryRun, cfg.OnAStickMode)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("stormguard not started")
		} else {
			stormguardCtrl = ctrl
			watchStormguardSites(stormguardCtrl, nettree.Active(), siteHashes.Load(), cfg)
		}
	}

	hub := wspubsub.NewHub()
	cakeHist := history.NewHistoryStore(cakeHistCap)
	hub.SetPrivateSources(&wspubsub.Sources{
		Tracker:    tracker,
		Flows:      recentFlows,
		Bakery:     owner,
		Stormguard: stormguardCtrl,
		CakeHist:   cakeHist,
	})
	dispatcher := wspubsub.NewDispatcher(hub, &wspubsub.Sources{
		Tracker:    tracker,
		Flows:      recentFlows,
		Bakery:     owner,
		Stormguard: stormguardCtrl,
		CakeHist:   cakeHist,
	})

	handlers := &bus.Handlers{
		Tracker:    tracker,
		Flows:      recentFlows,
		IPToClass:  ipToClassMap,
		IPRanges:   ipRanges,
		HotCache:   hotCache,
		Bakery:     owner,
		Stormguard: stormguardCtrl,
		Issues:     issueRing,
		ReloadTree: rebuildTopology,
	}
	busServer, err := bus.NewServer(busSocketPath, handlers)
	if err != nil {
		return fmt.Errorf("shaperd: starting bus server: %w", err)
	}

	httpServer := server.New(hub, owner)

	var submissionClient *submission.Client
	if cfg.LongTermStats.GatherStats {
		keys, err := submission.LoadOrGenerateKeys(filepath.Join(cfg.LqosDirectory, "lts_keys.bin"))
		if err != nil {
			log.Logger.Warn().Err(err).Msg("loading submission key pair; telemetry disabled")
		} else {
			submissionClient = submission.NewClient(
				cfg.NodeID,
				cfg.LongTermStats.LicenseKey,
				"insight.libreqos.io:9000",
				"https://insight.libreqos.io/license/pubkey",
				keys,
				time.Duration(cfg.LongTermStats.CollationPeriodSeconds)*time.Second,
			)
		}
	}

	configStop, err := config.WatchAndReload(configPath)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("watching config file; hot-reload disabled")
		configStop = func() error { return nil }
	}
	defer configStop()

	var wg sync.WaitGroup
	runGoroutine := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer lifecycle.RecoverAndLog("shaperd")
			fn()
		}()
	}

	runGoroutine(func() { owner.Run(stopCh) })
	runGoroutine(func() { tracker.Run(stopCh) })
	runGoroutine(func() { dispatcher.Run(ctx) })
	runGoroutine(func() {
		if err := busServer.Serve(ctx); err != nil {
			log.With("bus").Error().Err(err).Msg("bus server exited")
		}
	})
	runGoroutine(func() {
		if err := httpServer.Run(ctx, httpListenAddr); err != nil {
			log.Logger.Error().Err(err).Msg("http server exited")
		}
	})
	if stormguardCtrl != nil {
		runGoroutine(func() { stormguardCtrl.Run(stopCh) })
	}
	if submissionClient != nil {
		runGoroutine(func() { submissionClient.Run(stopCh) })
		runGoroutine(func() { runCollationLoop(ctx, submissionClient, tracker, cfg) })
	}
	runGoroutine(func() { runIdleReconciliation(ctx, tracker, owner) })
	runGoroutine(func() { runHousekeeping(ctx, recentFlows, issueRing, watchlist) })
	if heimdall != nil {
		runGoroutine(func() { runHeimdallIngest(ctx, heimdall, flowIngest) })
	}

	<-ctx.Done()
	log.Logger.Info().Msg("shutdown signal received, waiting for subsystems to drain")
	wg.Wait()
	return nil
}

// trackerSampleSource adapts the Throughput Tracker's per-IP store into
// Stormguard's SampleSource, aggregating every IP resolved under a
// site's ancestor chain into that site's per-tick sample. siteHashes
// must be the same name->hash mapping topology.Build produced for the
// Bakery's structural queues, or Stormguard's site hashes will never
// match a Structural entry (see watchStormguardSites).
type trackerSampleSource struct {
	tracker    *throughput.Tracker
	tree       func() *nettree.Tree
	siteHashes *atomic.Pointer[map[string]int64]
}

func (s trackerSampleSource) Sample(siteHash int64) (throughputMbps, retransmits, rttMs float64, ok bool) {
	tree := s.tree()
	hashes := s.siteHashes.Load()
	var idx = -1
	for i, n := range tree.Nodes {
		if hashes != nil && (*hashes)[n.Name] == siteHash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, 0, 0, false
	}
	node := tree.Nodes[idx]
	mbps := (float64(node.CurrentDownBytesPerSec) * 8) / 1_000_000
	return mbps, float64(node.CurrentRetransmits), 0, true
}

// watchStormguardSites registers every non-client tree node as a
// watched site, seeded at its configured max as the initial ceiling.
// siteHashes must come from the same topology.Build call that fed the
// Bakery's Structural queues, so Stormguard's SetParentRate commands
// land on the right entry.
func watchStormguardSites(ctrl *stormguard.Controller, tree *nettree.Tree, siteHashes *map[string]int64, cfg *config.Config) {
	for _, n := range tree.Nodes {
		if n.Type == nettree.NodeTypeClient || n.Type == nettree.NodeTypeRoot {
			continue
		}
		if siteHashes == nil {
			continue
		}
		hash, ok := (*siteHashes)[n.Name]
		if !ok {
			continue
		}
		ctrl.Watch(stormguard.NewSite(hash, n.MaxDown, n.MaxUp,
			cfg.Stormguard.MinDownMbps, cfg.Stormguard.MinUpMbps, n.MaxDown, n.MaxUp))
	}
}

// runIdleReconciliation activates Bakery circuits the moment the
// Throughput Tracker first observes their traffic, expires them on the
// same idle definition the tracker's age-out uses, and then flushes the
// owner's pending tc batch.
func runIdleReconciliation(ctx context.Context, tracker *throughput.Tracker, owner *bakery.Owner) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.Store.Range(func(c *throughput.IPCounter) {
				if c.CircuitID == "" || !c.Shaped() {
					return
				}
				dev, ok := shapeddevices.Active().ResolveByCircuit(c.CircuitID)
				if !ok {
					return
				}
				hash := circuithash.Hash(c.CircuitID)
				_ = owner.Send(bakery.UpdateCircuit(hash, bakery.CircuitSpec{
					Interface: dev.ParentNode,
					RateMbps:  float64(dev.MinDownMbps),
					CeilMbps:  float64(dev.MaxDownMbps),
					Comment:   dev.CircuitID,
				}))
			})
			owner.AgeOutIdle(time.Now())
			_ = owner.Send(bakery.Flush())
		}
	}
}

// shapedDeviceLocalChecker adapts the shaped-device trie into
// flows.LocalIPChecker: an address is "local" when it resolves to a
// known subscriber device, which is how Ingestor decides a packet's
// down/up direction.
type shapedDeviceLocalChecker struct{}

func (shapedDeviceLocalChecker) IsLocal(ip ipaddr.Key) bool {
	addr := ip.Addr()
	if !addr.IsValid() {
		return false
	}
	_, found := shapeddevices.Active().Lookup(addr)
	return found
}

// runHeimdallIngest drains the kernel's per-packet Heimdall
// perf-event stream into the Flow Analysis ingestor until ctx is
// canceled. Run() blocks on perf reads on its own goroutine so it
// never shares the tick path other subsystems depend on.
func runHeimdallIngest(ctx context.Context, reader *kernel.HeimdallReader, ingest *flows.Ingestor) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := reader.Run(func(ev kernel.PerfEvent) {
			ingest.Record(ev, time.Now())
		}); err != nil {
			log.With("flows").Warn().Err(err).Msg("heimdall perf reader exited")
		}
	}()
	select {
	case <-ctx.Done():
		reader.Close()
		<-done
	case <-done:
	}
}

// runHousekeeping runs the coarser-cadence maintenance tasks that
// don't warrant their own dedicated goroutine: flow
// idle-eviction, issue-ring TTL pruning, and watchlist expiry.
func runHousekeeping(ctx context.Context, recentFlows *flows.RecentFlows, issueRing *issues.Ring, watchlist *kernel.Watchlist) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recentFlows.EvictIdle(time.Now())
			if watchlist != nil {
				watchlist.Expire()
			}
		case <-pruneTicker.C:
			issueRing.Prune()
		}
	}
}

// runCollationLoop submits a StatsSubmission batch once per
// configured collation period.
func runCollationLoop(ctx context.Context, client *submission.Client, tracker *throughput.Tracker, cfg *config.Config) {
	period := client.CollationPeriod
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := tracker.Aggregates.Load()
			client.Submit(submission.BatchStatsSubmission, submission.StatsSubmission{
				TimestampUnix: uint64(time.Now().Unix()),
				Totals: &submission.Totals{
					Bits: submission.StatsSummary{
						Avg: [2]uint64{snap.BitsPerSecondDown, snap.BitsPerSecondUp},
					},
					ShapedBits: submission.StatsSummary{
						Avg: [2]uint64{snap.ShapedBitsPerSecondDown, snap.ShapedBitsPerSecondUp},
					},
				},
			})
		}
	}
}
