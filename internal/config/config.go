// Package config loads and validates watchtower configuration via Viper.
package config

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Log          LogConfig         `mapstructure:"log"`
	Sources      []SourceConfig    `mapstructure:"sources"`
	RetryPolicy  RetryPolicyConfig `mapstructure:"retry_policy"`
	JitterBounds JitterConfig      `mapstructure:"jitter_bounds"`
	HTTP         HTTPConfig        `mapstructure:"http"`
	Paths        PathsConfig       `mapstructure:"paths"`
	Rules        RulesConfig       `mapstructure:"rules"`
	Reload       ReloadConfig      `mapstructure:"reload"`
	Dedup        DedupConfig       `mapstructure:"dedup"`
	Cycle        CycleConfig       `mapstructure:"cycle"`
	Storage      StorageConfig     `mapstructure:"storage"`
	Server       ServerConfig      `mapstructure:"server"`
	Tracing      TracingConfig     `mapstructure:"tracing"`
}

// LogConfig toggles zap development features.
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourceConfig describes one monitored source.
type SourceConfig struct {
	Name            string            `mapstructure:"name"`
	Enabled         bool              `mapstructure:"enabled"`
	URLs            []string          `mapstructure:"urls"`
	IntervalSeconds int               `mapstructure:"interval_seconds"`
	Concurrency     int               `mapstructure:"concurrency"`
	RatePerSecond   float64           `mapstructure:"rate_per_second"`
	Parser          string            `mapstructure:"parser"`
	Extra           map[string]string `mapstructure:"extra"`
}

// RetryPolicyConfig bounds network retries.
type RetryPolicyConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BaseDelaySeconds float64 `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  float64 `mapstructure:"max_delay_seconds"`
}

// JitterConfig bounds the random delays added to retries and start offsets.
type JitterConfig struct {
	MinSeconds float64 `mapstructure:"min_seconds"`
	MaxSeconds float64 `mapstructure:"max_seconds"`
}

// HTTPConfig configures the network fetcher.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	Offline        bool   `mapstructure:"offline"`
}

// PathsConfig holds on-disk locations.
type PathsConfig struct {
	CacheDir      string `mapstructure:"cache_dir"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	OutputDir     string `mapstructure:"output_dir"`
	FixtureDir    string `mapstructure:"fixture_dir"`
}

// RulesConfig points at the detection inputs.
type RulesConfig struct {
	TriggersFile string `mapstructure:"triggers_file"`
	EntitiesDir  string `mapstructure:"entities_dir"`
	LexiconFile  string `mapstructure:"lexicon_file"`
	GeoFile      string `mapstructure:"geo_file"`
}

// ReloadConfig controls rule hot-reload.
type ReloadConfig struct {
	IntervalSeconds int  `mapstructure:"interval_seconds"`
	Watch           bool `mapstructure:"watch"`
}

// DedupConfig controls near-duplicate detection and seen-set retention.
type DedupConfig struct {
	SimhashThreshold int `mapstructure:"simhash_threshold"`
	MaxSeenPerSource int `mapstructure:"max_seen_per_source"`
}

// CycleConfig sets the soft deadline of one source cycle.
type CycleConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// StorageConfig selects and configures the sinks.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSPrefix   string `mapstructure:"gcs_prefix"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// APIKey guards the /v1/admin routes when set.
	APIKey string `mapstructure:"api_key"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WATCHTOWER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return Config{}, err
	}
	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.development", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("retry_policy.max_attempts", 3)
	v.SetDefault("retry_policy.base_delay_seconds", 1.0)
	v.SetDefault("retry_policy.max_delay_seconds", 30.0)
	v.SetDefault("jitter_bounds.min_seconds", 0.0)
	v.SetDefault("jitter_bounds.max_seconds", 5.0)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "watchtower/1.0 (+osint monitoring)")
	v.SetDefault("http.offline", false)
	v.SetDefault("paths.cache_dir", "data/cache")
	v.SetDefault("paths.checkpoint_dir", "data/checkpoints")
	v.SetDefault("paths.output_dir", "data/alerts")
	v.SetDefault("rules.triggers_file", "rules/triggers.json")
	v.SetDefault("rules.entities_dir", "rules/entities")
	v.SetDefault("rules.lexicon_file", "rules/sentiment.txt")
	v.SetDefault("reload.interval_seconds", 0)
	v.SetDefault("reload.watch", false)
	v.SetDefault("dedup.simhash_threshold", 4)
	v.SetDefault("dedup.max_seen_per_source", 0)
	v.SetDefault("cycle.timeout_seconds", 120)
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "data/watchtower.db")
	v.SetDefault("storage.gcs_prefix", "alerts")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9090)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "osint-watchtower")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

func (c *Config) expandPaths() error {
	targets := []*string{
		&c.Paths.CacheDir, &c.Paths.CheckpointDir, &c.Paths.OutputDir, &c.Paths.FixtureDir,
		&c.Rules.TriggersFile, &c.Rules.EntitiesDir, &c.Rules.LexiconFile, &c.Rules.GeoFile,
		&c.Storage.SQLitePath,
	}
	for _, p := range targets {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		if c.Sources[i].Parser == "" {
			c.Sources[i].Parser = "generic"
		}
		if c.Sources[i].Concurrency == 0 {
			c.Sources[i].Concurrency = 1
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Sources) == 0 {
		return &osint.ConfigError{Key: "sources", Msg: "must define at least one source"}
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		key := fmt.Sprintf("sources[%d]", i)
		if strings.TrimSpace(src.Name) == "" {
			return &osint.ConfigError{Key: key + ".name", Msg: "must not be empty"}
		}
		if _, dup := seen[src.Name]; dup {
			return &osint.ConfigError{Key: key + ".name", Msg: fmt.Sprintf("duplicate source %q", src.Name)}
		}
		seen[src.Name] = struct{}{}
		if src.Enabled && len(src.URLs) == 0 {
			return &osint.ConfigError{Key: key + ".urls", Msg: "must not be empty for an enabled source"}
		}
		if src.IntervalSeconds <= 0 {
			return &osint.ConfigError{Key: key + ".interval_seconds", Msg: "must be > 0"}
		}
		if src.Concurrency <= 0 {
			return &osint.ConfigError{Key: key + ".concurrency", Msg: "must be > 0"}
		}
		if src.RatePerSecond < 0 {
			return &osint.ConfigError{Key: key + ".rate_per_second", Msg: "must be >= 0"}
		}
	}
	if c.RetryPolicy.MaxAttempts < 1 {
		return &osint.ConfigError{Key: "retry_policy.max_attempts", Msg: "must be >= 1"}
	}
	if c.RetryPolicy.BaseDelaySeconds < 0 || c.RetryPolicy.MaxDelaySeconds < 0 {
		return &osint.ConfigError{Key: "retry_policy", Msg: "delays must be >= 0"}
	}
	if c.RetryPolicy.BaseDelaySeconds > c.RetryPolicy.MaxDelaySeconds {
		return &osint.ConfigError{Key: "retry_policy.base_delay_seconds", Msg: "must be <= max_delay_seconds"}
	}
	if c.JitterBounds.MinSeconds < 0 || c.JitterBounds.MinSeconds > c.JitterBounds.MaxSeconds {
		return &osint.ConfigError{Key: "jitter_bounds", Msg: "must satisfy 0 <= min_seconds <= max_seconds"}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return &osint.ConfigError{Key: "http.timeout_seconds", Msg: "must be > 0"}
	}
	if c.Reload.IntervalSeconds < 0 {
		return &osint.ConfigError{Key: "reload.interval_seconds", Msg: "must be >= 0"}
	}
	if c.Dedup.SimhashThreshold < 1 || c.Dedup.SimhashThreshold > 64 {
		return &osint.ConfigError{Key: "dedup.simhash_threshold", Msg: "must be within 1..64"}
	}
	if c.Dedup.MaxSeenPerSource < 0 {
		return &osint.ConfigError{Key: "dedup.max_seen_per_source", Msg: "must be >= 0"}
	}
	if c.Cycle.TimeoutSeconds <= 0 {
		return &osint.ConfigError{Key: "cycle.timeout_seconds", Msg: "must be > 0"}
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return &osint.ConfigError{Key: "storage.sqlite_path", Msg: "must be set for the sqlite driver"}
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return &osint.ConfigError{Key: "storage.postgres_dsn", Msg: "must be set for the postgres driver"}
		}
	case DriverMemory:
	default:
		return &osint.ConfigError{Key: "storage.driver", Msg: fmt.Sprintf("unknown driver %q", c.Storage.Driver)}
	}
	if c.Paths.CacheDir == "" || c.Paths.CheckpointDir == "" || c.Paths.OutputDir == "" {
		return &osint.ConfigError{Key: "paths", Msg: "cache_dir, checkpoint_dir and output_dir are required"}
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return &osint.ConfigError{Key: "server.port", Msg: "must be > 0 when the server is enabled"}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return &osint.ConfigError{Key: "tracing.sample_ratio", Msg: "must be within [0, 1]"}
	}
	return nil
}

// RestrictSources disables every source not named in names. An empty list keeps the config as is.
func (c *Config) RestrictSources(names []string) error {
	if len(names) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			wanted[n] = struct{}{}
		}
	}
	known := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		known[c.Sources[i].Name] = struct{}{}
		_, keep := wanted[c.Sources[i].Name]
		c.Sources[i].Enabled = c.Sources[i].Enabled && keep
	}
	for n := range wanted {
		if _, ok := known[n]; !ok {
			return &osint.ConfigError{Key: "sources", Msg: fmt.Sprintf("unknown source %q", n)}
		}
	}
	return nil
}

// EnabledSources converts the enabled source configs into domain sources.
func (c Config) EnabledSources() []osint.Source {
	out := make([]osint.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if !s.Enabled {
			continue
		}
		out = append(out, s.ToSource())
	}
	return out
}

// ToSource converts a SourceConfig into a domain Source.
func (s SourceConfig) ToSource() osint.Source {
	extra := make(map[string]string, len(s.Extra))
	for k, v := range s.Extra {
		extra[k] = v
	}
	return osint.Source{
		Name:          s.Name,
		Enabled:       s.Enabled,
		URLs:          append([]string(nil), s.URLs...),
		Interval:      time.Duration(s.IntervalSeconds) * time.Second,
		Concurrency:   s.Concurrency,
		RatePerSecond: s.RatePerSecond,
		Parser:        s.Parser,
		Extra:         extra,
	}
}

// BaseDelay returns the first retry delay.
func (r RetryPolicyConfig) BaseDelay() time.Duration { return seconds(r.BaseDelaySeconds) }

// MaxDelay returns the retry delay ceiling.
func (r RetryPolicyConfig) MaxDelay() time.Duration { return seconds(r.MaxDelaySeconds) }

// Min returns the lower jitter bound.
func (j JitterConfig) Min() time.Duration { return seconds(j.MinSeconds) }

// Max returns the upper jitter bound.
func (j JitterConfig) Max() time.Duration { return seconds(j.MaxSeconds) }

// Timeout returns the per-request HTTP timeout.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Interval returns the rule reload interval; zero disables periodic checks.
func (r ReloadConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Timeout returns the soft deadline for one source cycle.
func (c CycleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

// Describe writes a human-readable summary of the effective configuration.
func (c Config) Describe(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tENABLED\tINTERVAL\tCONCURRENCY\tPARSER\tURLS")
	for _, s := range c.Sources {
		fmt.Fprintf(tw, "%s\t%t\t%ds\t%d\t%s\t%d\n", s.Name, s.Enabled, s.IntervalSeconds, s.Concurrency, s.Parser, len(s.URLs))
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "retry_policy\tmax_attempts=%d base=%s max=%s\n",
		c.RetryPolicy.MaxAttempts, c.RetryPolicy.BaseDelay(), c.RetryPolicy.MaxDelay())
	fmt.Fprintf(tw, "jitter_bounds\t%s..%s\n", c.JitterBounds.Min(), c.JitterBounds.Max())
	fmt.Fprintf(tw, "http\ttimeout=%s offline=%t user_agent=%q\n", c.HTTP.Timeout(), c.HTTP.Offline, c.HTTP.UserAgent)
	fmt.Fprintf(tw, "paths\tcache=%s checkpoints=%s output=%s\n", c.Paths.CacheDir, c.Paths.CheckpointDir, c.Paths.OutputDir)
	fmt.Fprintf(tw, "rules\ttriggers=%s entities=%s lexicon=%s\n", c.Rules.TriggersFile, c.Rules.EntitiesDir, c.Rules.LexiconFile)
	fmt.Fprintf(tw, "reload\tinterval=%s watch=%t\n", c.Reload.Interval(), c.Reload.Watch)
	fmt.Fprintf(tw, "dedup\tsimhash_threshold=%d max_seen_per_source=%d\n", c.Dedup.SimhashThreshold, c.Dedup.MaxSeenPerSource)
	fmt.Fprintf(tw, "storage\tdriver=%s\n", c.Storage.Driver)
	fmt.Fprintf(tw, "server\tenabled=%t port=%d api_key_set=%t\n", c.Server.Enabled, c.Server.Port, c.Server.APIKey != "")
	fmt.Fprintf(tw, "tracing\tenabled=%t endpoint=%s ratio=%g\n", c.Tracing.Enabled, c.Tracing.OTLPEndpoint, c.Tracing.SampleRatio)
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write config summary: %w", err)
	}
	return nil
}
