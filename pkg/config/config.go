// Package config loads and atomically reloads /etc/shaperd.conf, the
// daemon's single TOML configuration surface.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"

	"github.com/openqos/shaperd/pkg/log"
)

// DefaultPath is where the configuration is read from unless overridden.
const DefaultPath = "/etc/shaperd.conf"

// Queues mirrors lqos_config::etc::v15::QueueConfig.
type Queues struct {
	DefaultSQM              string `toml:"default_sqm"`
	UplinkBandwidthMbps     uint32 `toml:"uplink_bandwidth_mbps"`
	DownlinkBandwidthMbps   uint32 `toml:"downlink_bandwidth_mbps"`
	OverrideAvailableQueues *uint32 `toml:"override_available_queues,omitempty"`
}

// Tuning holds the ethtool/sysctl knobs that lifecycle.TuneInterface
// applies. The daemon does not call TuneInterface at startup.
type Tuning struct {
	UseXDPBridge        bool     `toml:"use_xdp_bridge"`
	DisableOffload      bool     `toml:"disable_offload"`
	DisableRxVLANFilter bool     `toml:"disable_rxvlan"`
	DisableTxVLANFilter bool     `toml:"disable_txvlan"`
	NetdevBudgetUsecs   *uint32  `toml:"netdev_budget_usecs,omitempty"`
	NetdevBudgetPackets *uint32  `toml:"netdev_budget_packets,omitempty"`
	RXQueues            *uint32  `toml:"rx_queues,omitempty"`
	TXQueues            *uint32  `toml:"tx_queues,omitempty"`
	ExtraSysctls        []string `toml:"extra_sysctls,omitempty"`
}

// IPRanges mirrors lqos_config::etc::v15::ip_ranges::IpRanges.
type IPRanges struct {
	IgnoreSubnets          []string `toml:"ignore_subnets"`
	AllowSubnets           []string `toml:"allow_subnets"`
	UnknownIPHonorsIgnore bool     `toml:"unknown_ip_honors_ignore"`
	UnknownIPHonorsAllow  bool     `toml:"unknown_ip_honors_allow"`
}

// DefaultIPRanges matches the Rust Default impl: RFC1918 + CGN space
// allowed by default, nothing ignored.
func DefaultIPRanges() IPRanges {
	return IPRanges{
		AllowSubnets: []string{
			"172.16.0.0/12",
			"10.0.0.0/8",
			"100.64.0.0/10",
			"192.168.0.0/16",
		},
		UnknownIPHonorsIgnore: true,
		UnknownIPHonorsAllow:  true,
	}
}

// LongTermStats controls the Submission Pipeline. Exactly one of the two
// licensing flows may be active; see ResolveLicenseFlow.
type LongTermStats struct {
	GatherStats               bool   `toml:"gather_stats"`
	LicenseKey                string `toml:"license_key"`
	CollationPeriodSeconds    uint32 `toml:"collation_period_seconds"`
	UseInsight                bool   `toml:"use_insight"`
	LegacySelfHostedSubmitURL string `toml:"legacy_self_hosted_submit_url,omitempty"`
}

// StormguardConfig controls the closed-loop capacity controller.
type StormguardConfig struct {
	Enabled            bool    `toml:"enabled"`
	DryRun             bool    `toml:"dry_run"`
	StepPercent        float64 `toml:"step_percent"`
	MinDownMbps        float64 `toml:"min_down_mbps"`
	MaxDownMbps        float64 `toml:"max_down_mbps"`
	MinUpMbps          float64 `toml:"min_up_mbps"`
	MaxUpMbps          float64 `toml:"max_up_mbps"`
	DatalogPath        string  `toml:"datalog_path,omitempty"`
}

// Flows controls the outbound Netflow encoder.
type Flows struct {
	NetflowIP      string `toml:"netflow_ip,omitempty"`
	NetflowPort    uint16 `toml:"netflow_port,omitempty"`
	NetflowVersion uint8  `toml:"netflow_version,omitempty"`
}

// Config is the fully typed representation of shaperd.conf.
type Config struct {
	LqosDirectory     string           `toml:"lqos_directory"`
	NodeID            string           `toml:"node_id"`
	NodeName          string           `toml:"node_name"`
	InternetInterface string           `toml:"internet_interface"`
	ISPInterface      string           `toml:"isp_interface"`
	OnAStickMode      bool             `toml:"on_a_stick_mode"`
	IdleThreshold      Duration        `toml:"idle_threshold"`
	Queues            Queues           `toml:"queues"`
	Tuning            Tuning           `toml:"tuning"`
	IPRanges          IPRanges         `toml:"ip_ranges"`
	LongTermStats     LongTermStats    `toml:"long_term_stats"`
	Stormguard        StormguardConfig `toml:"stormguard"`
	Flows             Flows            `toml:"flows"`
}

// DefaultIdleThreshold is the single "circuit considered inactive"
// definition shared by the Bakery's lazy-queue expiry and the
// Throughput Tracker's age-out, so a circuit's queue and its tracker
// entry expire together. Bakery idle expiry defaults to the same
// value unless overridden.
const DefaultIdleThreshold = 15 * 60 // seconds, see Duration below

// Default returns a Config populated with the same defaults as the
// original v15 TOML schema.
func Default() Config {
	return Config{
		LqosDirectory: "/opt/libreqos",
		IdleThreshold: Duration(DefaultIdleThreshold),
		Queues: Queues{
			DefaultSQM:            "cake diffserv4",
			UplinkBandwidthMbps:   1000,
			DownlinkBandwidthMbps: 1000,
		},
		IPRanges: DefaultIPRanges(),
		Stormguard: StormguardConfig{
			StepPercent: 0.05,
		},
	}
}

var active atomic.Pointer[Config]

func init() {
	d := Default()
	active.Store(&d)
}

// Active returns the current config snapshot. Readers that capture this
// pointer before a reload keep seeing the old values for the lifetime
// of their operation.
func Active() *Config {
	return active.Load()
}

// Load reads, parses and validates the configuration at path, without
// making it active. Use Reload to additionally swap it in atomically.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reload loads path and, on success, atomically swaps it in as the
// Active config. On failure the previous config remains active and the
// error is returned for the caller to log at WARN.
func Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	active.Store(cfg)
	log.Logger.Info().Str("path", path).Msg("configuration reloaded")
	return nil
}

func validate(cfg *Config) error {
	if cfg.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if err := ResolveLicenseFlow(&cfg.LongTermStats); err != nil {
		return err
	}
	return nil
}

// ResolveLicenseFlow enforces that the daemon
// supports only the v2/Insight remote licensing flow. A config that asks
// for stats gathering via the legacy self-hosted submission URL without
// opting into Insight is a fatal-at-startup configuration error rather
// than a silent fallback.
func ResolveLicenseFlow(lts *LongTermStats) error {
	if !lts.GatherStats {
		return nil
	}
	if !lts.UseInsight {
		if lts.LegacySelfHostedSubmitURL != "" {
			return fmt.Errorf("config: legacy self-hosted long_term_stats submission is not supported; set long_term_stats.use_insight = true")
		}
		return fmt.Errorf("config: long_term_stats.gather_stats requires long_term_stats.use_insight = true")
	}
	if lts.LicenseKey == "" {
		return fmt.Errorf("config: long_term_stats.license_key is required when gather_stats is enabled")
	}
	return nil
}
