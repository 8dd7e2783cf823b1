// Package config manages routersim daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and the built-in defaults.
// The recognized keys follow spec.md §6's configuration surface: router
// identity, interfaces, per-protocol parameters, per-interface shaping, and
// per-interface impairments.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete routersim configuration.
type Config struct {
	Router      RouterConfig      `koanf:"router"`
	Interfaces  []InterfaceConfig `koanf:"interfaces"`
	Protocols   ProtocolsConfig   `koanf:"protocols"`
	Shaping     map[string]ShapingConfig     `koanf:"shaping"`
	Impairments map[string]ImpairmentsConfig `koanf:"impairments"`
	Admin       AdminConfig       `koanf:"admin"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
	ExtRIB      ExtRIBConfig      `koanf:"ext_rib"`
}

// ExtRIBConfig configures the optional external routing-daemon bridge
// (spec.md §1: "the integration bridge to an external routing daemon
// suite, treated as an optional alternative RIB feeder"). When Enabled,
// internal/extrib streams a real GoBGP speaker's global RIB into
// routersim's merger instead of (or alongside) internal/bgp.Speaker.
type ExtRIBConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Addr          string        `koanf:"addr"`
	Egress        string        `koanf:"egress"`
	DialTimeout   time.Duration `koanf:"dial_timeout"`
	RouterID      string        `koanf:"router_id"`
	Dampening     DampeningConfig `koanf:"dampening"`
}

// DampeningConfig configures route-flap dampening applied to external
// feeder candidates (internal/extrib.Dampener).
type DampeningConfig struct {
	Enabled           bool          `koanf:"enabled"`
	SuppressThreshold float64       `koanf:"suppress_threshold"`
	ReuseThreshold    float64       `koanf:"reuse_threshold"`
	MaxSuppressTime   time.Duration `koanf:"max_suppress_time"`
	HalfLife          time.Duration `koanf:"half_life"`
}

// RouterConfig identifies this simulated router across all protocols.
type RouterConfig struct {
	RouterID  string `koanf:"router_id"`
	Hostname  string `koanf:"hostname"`
	ASNumber  uint32 `koanf:"as_number"`
	AreaID    string `koanf:"area_id"`
	SystemID  string `koanf:"system_id"`
}

// InterfaceConfig describes one simulated network interface.
type InterfaceConfig struct {
	Name          string `koanf:"name"`
	IPAddress     string `koanf:"ip_address"`
	SubnetMask    string `koanf:"subnet_mask"`
	MTU           int    `koanf:"mtu"`
	BandwidthMbps int    `koanf:"bandwidth_mbps"`
	Enabled       bool   `koanf:"enabled"`
	// Encap selects the tunnel encapsulation the data-plane Link uses to
	// carry this interface's opaque wire bytes: "vxlan" (default) or
	// "geneve". See netio.NewVXLANLink / netio.NewGENEVELink.
	Encap string `koanf:"encap"`
}

// Addr parses IPAddress as a netip.Addr.
func (ic InterfaceConfig) Addr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(ic.IPAddress)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %s ip_address %q: %w", ic.Name, ic.IPAddress, err)
	}
	return addr, nil
}

// ProtocolsConfig groups the three protocol drivers' configuration.
type ProtocolsConfig struct {
	BGP  BGPProtocolConfig  `koanf:"bgp"`
	OSPF OSPFProtocolConfig `koanf:"ospf"`
	ISIS ISISProtocolConfig `koanf:"isis"`
}

// BGPProtocolConfig configures the simulated BGP speaker.
type BGPProtocolConfig struct {
	Enabled   bool               `koanf:"enabled"`
	Neighbors []NeighborConfig   `koanf:"neighbors"`
	HoldTime  time.Duration      `koanf:"hold_time"`
	Keepalive time.Duration      `koanf:"keepalive_interval"`
}

// OSPFProtocolConfig configures the simulated OSPF router process.
type OSPFProtocolConfig struct {
	Enabled   bool             `koanf:"enabled"`
	Areas     []string         `koanf:"areas"`
	Neighbors []NeighborConfig `koanf:"neighbors"`
	HelloInterval time.Duration `koanf:"hello_interval"`
	DeadInterval  time.Duration `koanf:"dead_interval"`
}

// ISISProtocolConfig configures the simulated IS-IS router process.
type ISISProtocolConfig struct {
	Enabled   bool             `koanf:"enabled"`
	Neighbors []NeighborConfig `koanf:"neighbors"`
	HelloInterval time.Duration `koanf:"hello_interval"`
	HoldTime      time.Duration `koanf:"hold_time"`
}

// NeighborConfig describes one configured protocol neighbor, common across
// BGP/OSPF/IS-IS (fields not applicable to a given protocol are ignored).
type NeighborConfig struct {
	Address   string `koanf:"address"`
	Interface string `koanf:"interface"`
	RemoteAS  uint32 `koanf:"remote_as"`
	Level     string `koanf:"level"` // IS-IS only: "level-1", "level-2", "level-1-2"
}

// Addr parses Address as a netip.Addr.
func (nc NeighborConfig) Addr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(nc.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("neighbor address %q: %w", nc.Address, err)
	}
	return addr, nil
}

// ShapingConfig selects and parameterizes one interface's shaping
// discipline, per spec.md §6 ("shaping.{interface}.algorithm").
type ShapingConfig struct {
	Algorithm string          `koanf:"algorithm"` // token_bucket | wfq | drr
	TokenBucket TokenBucketParams `koanf:"token_bucket"`
	Classes     []ClassParams     `koanf:"classes"`
}

// TokenBucketParams parameterizes the token_bucket algorithm.
type TokenBucketParams struct {
	CapacityBytes int64 `koanf:"capacity_bytes"`
	RateBytesSec  int64 `koanf:"rate_bytes_sec"`
}

// ClassParams parameterizes one traffic class shared by wfq and drr.
type ClassParams struct {
	ClassID  uint8  `koanf:"class_id"`
	Weight   uint32 `koanf:"weight"`
	MaxDepth int    `koanf:"max_depth"`
}

// ImpairmentsConfig is the ordered list of impairment stages for one
// interface, per spec.md §6 ("impairments.{interface}.stages[]").
type ImpairmentsConfig struct {
	Stages []ImpairmentStageConfig `koanf:"stages"`
	Seed   uint64                  `koanf:"seed"`
}

// ImpairmentStageConfig is one tagged-variant impairment stage. Only the
// fields relevant to Kind are populated; unused fields are ignored.
type ImpairmentStageConfig struct {
	Kind         string  `koanf:"kind"` // delay | loss_random | loss_correlated | loss_gilbert_elliott | duplicate | corrupt | reorder | rate
	Mean         time.Duration `koanf:"mean"`
	Jitter       time.Duration `koanf:"jitter"`
	Distribution string  `koanf:"distribution"` // uniform | normal | pareto | pareto_normal
	Probability  float64 `koanf:"probability"`
	Correlation  float64 `koanf:"correlation"`
	GEP          float64 `koanf:"ge_p"`
	GER          float64 `koanf:"ge_r"`
	GEH          float64 `koanf:"ge_h"`
	GEK          float64 `koanf:"ge_k"`
	Gap          int     `koanf:"gap"`
	RateBps      int64   `koanf:"rate_bps"`
	BurstBytes   int64   `koanf:"burst_bytes"`
}

// AdminConfig holds the observer/admin HTTP API configuration.
type AdminConfig struct {
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. Every
// protocol defaults to disabled; the admin and metrics endpoints default to
// loopback-only addresses.
func DefaultConfig() *Config {
	return &Config{
		Router: RouterConfig{
			Hostname: "routersim",
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Protocols: ProtocolsConfig{
			BGP: BGPProtocolConfig{
				HoldTime:  90 * time.Second,
				Keepalive: 30 * time.Second,
			},
			OSPF: OSPFProtocolConfig{
				HelloInterval: 10 * time.Second,
				DeadInterval:  40 * time.Second,
			},
			ISIS: ISISProtocolConfig{
				HelloInterval: 10 * time.Second,
				HoldTime:      30 * time.Second,
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for routersim configuration.
// Variables are named ROUTERSIM_<section>_<key>, e.g. ROUTERSIM_ADMIN_ADDR.
const envPrefix = "ROUTERSIM_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ROUTERSIM_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ROUTERSIM_ADMIN_ADDR -> admin.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config's scalar leaves into koanf as
// the base layer beneath the YAML file and environment overrides.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"router.hostname":               defaults.Router.Hostname,
		"admin.addr":                    defaults.Admin.Addr,
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"protocols.bgp.hold_time":       defaults.Protocols.BGP.HoldTime.String(),
		"protocols.bgp.keepalive_interval": defaults.Protocols.BGP.Keepalive.String(),
		"protocols.ospf.hello_interval": defaults.Protocols.OSPF.HelloInterval.String(),
		"protocols.ospf.dead_interval":  defaults.Protocols.OSPF.DeadInterval.String(),
		"protocols.isis.hello_interval": defaults.Protocols.ISIS.HelloInterval.String(),
		"protocols.isis.hold_time":      defaults.Protocols.ISIS.HoldTime.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyRouterID       = errors.New("router.router_id must not be empty")
	ErrEmptyAdminAddr      = errors.New("admin.addr must not be empty")
	ErrInvalidInterfaceIP  = errors.New("interface ip_address is invalid")
	ErrDuplicateInterface  = errors.New("duplicate interface name")
	ErrInvalidNeighborAddr = errors.New("neighbor address is invalid")
	ErrInvalidShapingAlgo  = errors.New("shaping.algorithm must be token_bucket, wfq, or drr")
	ErrInvalidImpairKind   = errors.New("impairment stage kind is not recognized")
	ErrInvalidEncap        = errors.New("interface encap must be vxlan or geneve")
)

// ValidEncapsulations lists the recognized interface tunnel-encapsulation
// names.
var ValidEncapsulations = map[string]bool{
	"":       true, // defaults to vxlan
	"vxlan":  true,
	"geneve": true,
}

// ValidShapingAlgorithms lists the recognized shaping discipline names.
var ValidShapingAlgorithms = map[string]bool{
	"token_bucket": true,
	"wfq":          true,
	"drr":          true,
}

// ValidImpairmentKinds lists the recognized impairment stage kinds.
var ValidImpairmentKinds = map[string]bool{
	"delay":                true,
	"loss_random":          true,
	"loss_correlated":      true,
	"loss_gilbert_elliott": true,
	"duplicate":            true,
	"corrupt":              true,
	"reorder":              true,
	"rate":                 true,
}

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Router.RouterID == "" {
		return ErrEmptyRouterID
	}
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	seen := make(map[string]struct{}, len(cfg.Interfaces))
	for i, ic := range cfg.Interfaces {
		if ic.IPAddress != "" {
			if _, err := ic.Addr(); err != nil {
				return fmt.Errorf("interfaces[%d]: %w: %w", i, ErrInvalidInterfaceIP, err)
			}
		}
		if _, dup := seen[ic.Name]; dup {
			return fmt.Errorf("interfaces[%d] name %q: %w", i, ic.Name, ErrDuplicateInterface)
		}
		seen[ic.Name] = struct{}{}
		if !ValidEncapsulations[strings.ToLower(ic.Encap)] {
			return fmt.Errorf("interfaces[%d] encap %q: %w", i, ic.Encap, ErrInvalidEncap)
		}
	}

	if err := validateNeighbors(cfg.Protocols.BGP.Neighbors); err != nil {
		return fmt.Errorf("protocols.bgp: %w", err)
	}
	if err := validateNeighbors(cfg.Protocols.OSPF.Neighbors); err != nil {
		return fmt.Errorf("protocols.ospf: %w", err)
	}
	if err := validateNeighbors(cfg.Protocols.ISIS.Neighbors); err != nil {
		return fmt.Errorf("protocols.isis: %w", err)
	}

	for iface, sc := range cfg.Shaping {
		if sc.Algorithm != "" && !ValidShapingAlgorithms[sc.Algorithm] {
			return fmt.Errorf("shaping[%s] algorithm %q: %w", iface, sc.Algorithm, ErrInvalidShapingAlgo)
		}
	}

	for iface, ic := range cfg.Impairments {
		for i, stage := range ic.Stages {
			if !ValidImpairmentKinds[stage.Kind] {
				return fmt.Errorf("impairments[%s].stages[%d] kind %q: %w", iface, i, stage.Kind, ErrInvalidImpairKind)
			}
		}
	}

	return nil
}

func validateNeighbors(neighbors []NeighborConfig) error {
	for i, nc := range neighbors {
		if _, err := nc.Addr(); err != nil {
			return fmt.Errorf("neighbors[%d]: %w: %w", i, ErrInvalidNeighborAddr, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
