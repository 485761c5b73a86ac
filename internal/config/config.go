// Package config loads the service configuration: defaults, then an optional
// TOML file, then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/adaptive-policy/internal/belief"
	"github.com/danielpatrickdp/adaptive-policy/internal/experiment"
	"github.com/danielpatrickdp/adaptive-policy/internal/monitor"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
	"github.com/danielpatrickdp/adaptive-policy/internal/regret"
	"github.com/danielpatrickdp/adaptive-policy/internal/transfer"
)

// #region types
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Log        LogConfig        `toml:"log"`
	Auth       AuthConfig       `toml:"auth"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Planner    PlannerConfig    `toml:"planner"`
	Cache      CacheConfig      `toml:"cache"`
	Belief     BeliefConfig     `toml:"belief"`
	Transfer   TransferConfig   `toml:"transfer"`
	Regret     RegretConfig     `toml:"regret"`
	Experiment ExperimentConfig `toml:"experiment"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Events     EventsConfig     `toml:"events"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`

	// Policies lists the named policy variants studies may roll out.
	Policies      []planner.Policy `toml:"policies" validate:"dive"`
	ControlPolicy string           `toml:"control_policy" validate:"required"`
}

type ServerConfig struct {
	Addr     string `toml:"addr" validate:"required"`
	GRPCAddr string `toml:"grpc_addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path" validate:"required"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	File  string `toml:"file"` // optional JSON log file, fanned out next to stderr
}

// PlaceholderJWTSecret ships in the defaults and the example file. serve
// refuses to verify tokens with it.
const PlaceholderJWTSecret = "change-me-in-production"

type AuthConfig struct {
	JWTSecret           string `toml:"jwt_secret"`
	AllowHeaderIdentity bool   `toml:"allow_header_identity"`
}

type CatalogConfig struct {
	Path string `toml:"path"` // YAML feature list; empty uses the built-in catalog
}

type PlannerConfig struct {
	Timeout string `toml:"timeout"`
	Seed    uint64 `toml:"seed"` // 0 seeds from the clock
}

type CacheConfig struct {
	Backend     string `toml:"backend" validate:"oneof=memory redis"`
	TTL         string `toml:"ttl"`
	RedisAddr   string `toml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPrefix string `toml:"redis_prefix"`
}

type BeliefConfig struct {
	Forgetting  float64 `toml:"forgetting" validate:"gt=0,lte=1"`
	MinVariance float64 `toml:"min_variance" validate:"gt=0"`
}

type TransferConfig struct {
	Basis                   string  `toml:"basis" validate:"oneof=days interactions"`
	WarmThreshold           float64 `toml:"warm_threshold" validate:"gte=0"`
	PersonalizedThreshold   float64 `toml:"personalized_threshold" validate:"gtfield=WarmThreshold"`
	ColdPriorWeight         float64 `toml:"cold_prior_weight" validate:"gte=0,lte=1"`
	PersonalizedPriorWeight float64 `toml:"personalized_prior_weight" validate:"gte=0,lte=1,ltefield=ColdPriorWeight"` // prior weight never grows with experience
	SeedStrength            float64 `toml:"seed_strength" validate:"gt=0"`
	ProfileStrength         float64 `toml:"profile_strength" validate:"gt=0"`
	MinUsers                int     `toml:"min_users" validate:"gte=1"`
	AggregateInterval       string  `toml:"aggregate_interval"`
}

type RegretConfig struct {
	BoundConstant  float64 `toml:"bound_constant" validate:"gt=0"`
	Window         int     `toml:"window" validate:"gte=1"`
	Epsilon        float64 `toml:"epsilon" validate:"gt=0"`
	MaxCurvePoints int     `toml:"max_curve_points" validate:"gte=2"`
}

type ExperimentConfig struct {
	Alpha               float64 `toml:"alpha" validate:"gt=0,lt=1"`
	MDE                 float64 `toml:"mde" validate:"gt=0"`
	RegressionThreshold float64 `toml:"regression_threshold" validate:"gt=0"`
	MinSamples          int     `toml:"min_samples" validate:"gte=2"`
	MaxLooks            int     `toml:"max_looks" validate:"gte=1"`
	Stages              []int   `toml:"stages" validate:"min=1,dive,min=1,max=100"`
	StageDuration       string  `toml:"stage_duration"`
	ShadowPercent       int     `toml:"shadow_percent" validate:"min=1,max=100"`
	RollbackSeverity    string  `toml:"rollback_severity" validate:"oneof=moderate high critical"`
	TickInterval        string  `toml:"tick_interval"`
}

type MonitorConfig struct {
	BiasThreshold   float64 `toml:"bias_threshold" validate:"gt=0"`
	BiasZ           float64 `toml:"bias_z" validate:"gte=0"`
	MinSamples      int     `toml:"min_samples" validate:"gte=1"`
	DriftSigma      float64 `toml:"drift_sigma" validate:"gt=0"`
	HighSigma       float64 `toml:"high_sigma" validate:"gtfield=DriftSigma"`
	CriticalSigma   float64 `toml:"critical_sigma" validate:"gtfield=HighSigma"`
	BucketWidth     string  `toml:"bucket_width"`
	BaselineBuckets int     `toml:"baseline_buckets" validate:"gte=2"`
	CurrentBuckets  int     `toml:"current_buckets" validate:"gte=1"`
	Retention       string  `toml:"retention"`
	Interval        string  `toml:"interval"`
	QueueSize       int     `toml:"queue_size" validate:"gte=1"`
}

type EventsConfig struct {
	RatePerSecond float64 `toml:"rate_per_second" validate:"gte=0"`
	Burst         int     `toml:"burst" validate:"gte=0"`
	DedupWindow   string  `toml:"dedup_window"` // "0s" disables duplicate suppression
}

type TelemetryConfig struct {
	Exporter string `toml:"exporter" validate:"oneof=none stdout"`
}

// #endregion types

// #region defaults
// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	bc := belief.DefaultUpdateConfig()
	tc := transfer.DefaultConfig()
	rc := regret.DefaultConfig()
	ec := experiment.DefaultConfig()
	mc := monitor.DefaultConfig()
	control := planner.DefaultPolicy()
	return &Config{
		Server:   ServerConfig{Addr: ":8080", GRPCAddr: ":9090"},
		Database: DatabaseConfig{Path: "adaptive_policy.db"},
		Log:      LogConfig{Level: "info"},
		Auth:     AuthConfig{JWTSecret: PlaceholderJWTSecret},
		Planner:  PlannerConfig{Timeout: "50ms"},
		Cache:    CacheConfig{Backend: "memory", TTL: "10m", RedisPrefix: "policy:plan:"},
		Belief:   BeliefConfig{Forgetting: bc.Forgetting, MinVariance: bc.MinVariance},
		Transfer: TransferConfig{
			Basis:                   string(tc.Basis),
			WarmThreshold:           tc.WarmThreshold,
			PersonalizedThreshold:   tc.PersonalizedThreshold,
			ColdPriorWeight:         tc.ColdPriorWeight,
			PersonalizedPriorWeight: tc.PersonalizedPriorWeight,
			SeedStrength:            tc.SeedStrength,
			ProfileStrength:         tc.ProfileStrength,
			MinUsers:                tc.MinUsers,
			AggregateInterval:       "1h",
		},
		Regret: RegretConfig{
			BoundConstant:  rc.BoundConstant,
			Window:         rc.Window,
			Epsilon:        rc.Epsilon,
			MaxCurvePoints: rc.MaxCurvePoints,
		},
		Experiment: ExperimentConfig{
			Alpha:               ec.Alpha,
			MDE:                 ec.MDE,
			RegressionThreshold: ec.RegressionThreshold,
			MinSamples:          ec.MinSamples,
			MaxLooks:            ec.MaxLooks,
			Stages:              ec.DefaultStages,
			StageDuration:       ec.StageDuration.String(),
			ShadowPercent:       ec.ShadowPercent,
			RollbackSeverity:    ec.RollbackSeverity,
			TickInterval:        "1m",
		},
		Monitor: MonitorConfig{
			BiasThreshold:   mc.BiasThreshold,
			BiasZ:           mc.BiasZ,
			MinSamples:      mc.MinSamples,
			DriftSigma:      mc.DriftSigma,
			HighSigma:       mc.HighSigma,
			CriticalSigma:   mc.CriticalSigma,
			BucketWidth:     mc.BucketWidth.String(),
			BaselineBuckets: mc.BaselineBucket,
			CurrentBuckets:  mc.CurrentBucket,
			Retention:       mc.Retention.String(),
			Interval:        "1m",
			QueueSize:       mc.QueueSize,
		},
		Events:        EventsConfig{RatePerSecond: 20, Burst: 40, DedupWindow: "0s"},
		Telemetry:     TelemetryConfig{Exporter: "none"},
		Policies:      []planner.Policy{control},
		ControlPolicy: control.Name,
	}
}

// #endregion defaults

// #region load
// Load reads path over the defaults. A missing file is not an error. The
// ADAPTIVE_DB, POLICY_ADDR, REDIS_ADDR and POLICY_JWT_SECRET environment
// variables override the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}
	cfg.Database.Path = envOr("ADAPTIVE_DB", cfg.Database.Path)
	cfg.Server.Addr = envOr("POLICY_ADDR", cfg.Server.Addr)
	cfg.Cache.RedisAddr = envOr("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Auth.JWTSecret = envOr("POLICY_JWT_SECRET", cfg.Auth.JWTSecret)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints, duration syntax and the control
// policy reference.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, s := range map[string]string{
		"planner.timeout":             c.Planner.Timeout,
		"cache.ttl":                   c.Cache.TTL,
		"transfer.aggregate_interval": c.Transfer.AggregateInterval,
		"experiment.stage_duration":   c.Experiment.StageDuration,
		"experiment.tick_interval":    c.Experiment.TickInterval,
		"monitor.bucket_width":        c.Monitor.BucketWidth,
		"monitor.retention":           c.Monitor.Retention,
		"monitor.interval":            c.Monitor.Interval,
		"events.dedup_window":         c.Events.DedupWindow,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid config: %s: %w", name, err)
		}
	}
	if _, ok := c.Policy(c.ControlPolicy); !ok {
		return fmt.Errorf("invalid config: control_policy %q is not in [[policies]]", c.ControlPolicy)
	}
	last := c.Experiment.Stages[len(c.Experiment.Stages)-1]
	if last != 100 {
		return fmt.Errorf("invalid config: experiment.stages must end at 100, got %d", last)
	}
	return nil
}

// CheckServing rejects settings that are fine for offline tooling but not
// for a listening server: bearer tokens verified with an empty or
// placeholder secret.
func (c *Config) CheckServing() error {
	if c.Auth.AllowHeaderIdentity {
		return nil
	}
	switch c.Auth.JWTSecret {
	case "":
		return errors.New("invalid config: auth.jwt_secret is empty")
	case PlaceholderJWTSecret:
		return errors.New("invalid config: auth.jwt_secret is the shipped placeholder; set it or POLICY_JWT_SECRET")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load

// #region accessors
// Policy looks up a configured policy variant by name.
func (c *Config) Policy(name string) (planner.Policy, bool) {
	for _, p := range c.Policies {
		if p.Name == name {
			return p, true
		}
	}
	return planner.Policy{}, false
}

// duration parses a value Validate already accepted.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) PlannerTimeout() time.Duration    { return duration(c.Planner.Timeout) }
func (c *Config) CacheTTL() time.Duration          { return duration(c.Cache.TTL) }
func (c *Config) AggregateInterval() time.Duration { return duration(c.Transfer.AggregateInterval) }
func (c *Config) ExperimentTick() time.Duration    { return duration(c.Experiment.TickInterval) }
func (c *Config) MonitorInterval() time.Duration   { return duration(c.Monitor.Interval) }
func (c *Config) DedupWindow() time.Duration       { return duration(c.Events.DedupWindow) }

// BeliefConfig converts the [belief] table.
func (c *Config) BeliefConfig() belief.UpdateConfig {
	return belief.UpdateConfig{Forgetting: c.Belief.Forgetting, MinVariance: c.Belief.MinVariance}
}

// TransferConfig converts the [transfer] table.
func (c *Config) TransferConfig() transfer.Config {
	tc := transfer.DefaultConfig()
	tc.Basis = transfer.Basis(c.Transfer.Basis)
	tc.WarmThreshold = c.Transfer.WarmThreshold
	tc.PersonalizedThreshold = c.Transfer.PersonalizedThreshold
	tc.ColdPriorWeight = c.Transfer.ColdPriorWeight
	tc.PersonalizedPriorWeight = c.Transfer.PersonalizedPriorWeight
	tc.SeedStrength = c.Transfer.SeedStrength
	tc.ProfileStrength = c.Transfer.ProfileStrength
	tc.MinUsers = c.Transfer.MinUsers
	return tc
}

// RegretConfig converts the [regret] table. Arms is filled in from the
// catalog at startup.
func (c *Config) RegretConfig() regret.Config {
	return regret.Config{
		BoundConstant:  c.Regret.BoundConstant,
		Arms:           1,
		Window:         c.Regret.Window,
		Epsilon:        c.Regret.Epsilon,
		MaxCurvePoints: c.Regret.MaxCurvePoints,
	}
}

// ExperimentConfig converts the [experiment] table.
func (c *Config) ExperimentConfig() experiment.Config {
	return experiment.Config{
		Alpha:               c.Experiment.Alpha,
		MDE:                 c.Experiment.MDE,
		RegressionThreshold: c.Experiment.RegressionThreshold,
		MinSamples:          c.Experiment.MinSamples,
		MaxLooks:            c.Experiment.MaxLooks,
		DefaultStages:       append([]int(nil), c.Experiment.Stages...),
		StageDuration:       duration(c.Experiment.StageDuration),
		ShadowPercent:       c.Experiment.ShadowPercent,
		RollbackSeverity:    c.Experiment.RollbackSeverity,
	}
}

// MonitorConfig converts the [monitor] table.
func (c *Config) MonitorConfig() monitor.Config {
	mc := monitor.DefaultConfig()
	mc.BiasThreshold = c.Monitor.BiasThreshold
	mc.BiasZ = c.Monitor.BiasZ
	mc.MinSamples = c.Monitor.MinSamples
	mc.DriftSigma = c.Monitor.DriftSigma
	mc.HighSigma = c.Monitor.HighSigma
	mc.CriticalSigma = c.Monitor.CriticalSigma
	mc.BucketWidth = duration(c.Monitor.BucketWidth)
	mc.BaselineBucket = c.Monitor.BaselineBuckets
	mc.CurrentBucket = c.Monitor.CurrentBuckets
	mc.Retention = duration(c.Monitor.Retention)
	mc.QueueSize = c.Monitor.QueueSize
	return mc
}

// #endregion accessors
