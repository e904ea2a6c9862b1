package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"protocol-metrics/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig               `mapstructure:"app"`
	Logging   logging.Config          `mapstructure:"logging"`
	HTTP      HTTPConfig              `mapstructure:"http"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Collector CollectorConfig         `mapstructure:"collector"`
	Retention RetentionConfig         `mapstructure:"retention"`
	Breaker   BreakerConfig           `mapstructure:"breaker"`
	Cache     CacheConfig             `mapstructure:"cache"`
	Protocol  ProtocolConfig          `mapstructure:"protocol"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
	Metrics   []MetricConfig          `mapstructure:"metrics"`
	Alerting  AlertingConfig          `mapstructure:"alerting"`
	Export    ExportConfig            `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig controls the read API listener.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects and configures the time-series backend.
type StorageConfig struct {
	Driver      string         `mapstructure:"driver"`
	Path        string         `mapstructure:"path"`
	OpenTimeout time.Duration  `mapstructure:"open_timeout"`
	ReopenMin   time.Duration  `mapstructure:"reopen_min"`
	ReopenMax   time.Duration  `mapstructure:"reopen_max"`
	Database    DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CollectorConfig governs snapshot cadence.
type CollectorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	CollectOnStart  bool          `mapstructure:"collect_on_start"`
	Workers         int           `mapstructure:"workers"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	Lease           LeaseConfig   `mapstructure:"lease"`
}

// LeaseConfig enables the Redis lease shared between collector replicas.
type LeaseConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RetentionConfig bounds how long history is kept.
type RetentionConfig struct {
	Horizon  time.Duration `mapstructure:"horizon"`
	Schedule string        `mapstructure:"schedule"`
}

// BreakerConfig applies to every source.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// CacheConfig sets the TTL of each freshness class.
type CacheConfig struct {
	TTL           TTLConfig     `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TTLConfig lists the freshness classes a metric can belong to.
type TTLConfig struct {
	Fast   time.Duration `mapstructure:"fast"`
	Medium time.Duration `mapstructure:"medium"`
	Slow   time.Duration `mapstructure:"slow"`
}

// Resolve maps a class name to its TTL. Unknown names are an error.
func (t TTLConfig) Resolve(class string) (time.Duration, error) {
	switch strings.ToLower(class) {
	case "fast":
		return t.Fast, nil
	case "", "medium":
		return t.Medium, nil
	case "slow":
		return t.Slow, nil
	case "none":
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown ttl class %q", class)
	}
}

// ProtocolConfig holds the contract and pool addresses used by the default catalog.
type ProtocolConfig struct {
	Token         string `mapstructure:"token"`
	TroveManager  string `mapstructure:"trove_manager"`
	PriceFeed     string `mapstructure:"price_feed"`
	StabilityPool string `mapstructure:"stability_pool"`
	Pool          string `mapstructure:"pool"`
}

// SourceConfig configures one upstream adapter.
type SourceConfig struct {
	Kind      string            `mapstructure:"kind"`
	URL       string            `mapstructure:"url"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	RPS       float64           `mapstructure:"rps"`
	Burst     int               `mapstructure:"burst"`
	UserAgent string            `mapstructure:"user_agent"`
	Headers   map[string]string `mapstructure:"headers"`
}

// MetricConfig declares one catalog entry.
type MetricConfig struct {
	Name        string            `mapstructure:"name"`
	Kind        string            `mapstructure:"kind"`
	Description string            `mapstructure:"description"`
	Unit        string            `mapstructure:"unit"`
	Source      string            `mapstructure:"source"`
	Method      string            `mapstructure:"method"`
	Target      string            `mapstructure:"target"`
	Params      map[string]string `mapstructure:"params"`
	Path        string            `mapstructure:"path"`
	Scale       int32             `mapstructure:"scale"`
	TTLClass    string            `mapstructure:"ttl_class"`
	BestAPR     *BestAPRConfig    `mapstructure:"best_apr"`
	Formula     string            `mapstructure:"formula"`
	Inputs      []string          `mapstructure:"inputs"`
}

// BestAPRConfig turns an observed metric into the best APR across the markets at Path.
type BestAPRConfig struct {
	Price    string `mapstructure:"price"`
	Maturity string `mapstructure:"maturity"`
	Active   string `mapstructure:"active"`
}

// AlertingConfig defines threshold rules and delivery.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Rules    []RuleConfig   `mapstructure:"rules"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// RuleConfig fires when Metric leaves [Below, Above].
type RuleConfig struct {
	Metric string   `mapstructure:"metric"`
	Below  *float64 `mapstructure:"below"`
	Above  *float64 `mapstructure:"above"`
	Unit   string   `mapstructure:"unit"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METRICSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Metrics) == 0 {
		cfg.Metrics = DefaultMetrics(cfg.Protocol)
	}
	if cfg.Alerting.Rules == nil {
		cfg.Alerting.Rules = DefaultRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "metricsd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "30s")

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "data/metrics.db")
	v.SetDefault("storage.open_timeout", "5s")
	v.SetDefault("storage.reopen_min", "100ms")
	v.SetDefault("storage.reopen_max", "5s")
	v.SetDefault("storage.database.max_open_conns", 10)
	v.SetDefault("storage.database.max_idle_conns", 5)
	v.SetDefault("storage.database.conn_max_lifetime", "30m")

	v.SetDefault("collector.interval", "5m")
	v.SetDefault("collector.align_to_bucket", true)
	v.SetDefault("collector.startup_delay", "0s")
	v.SetDefault("collector.collect_on_start", true)
	v.SetDefault("collector.workers", 4)
	v.SetDefault("collector.advisory_lock_key", int64(0x6d657472))
	v.SetDefault("collector.lease.enabled", false)
	v.SetDefault("collector.lease.url", "redis://localhost:6379/0")
	v.SetDefault("collector.lease.key", "metricsd:collector")
	v.SetDefault("collector.lease.ttl", "2m")

	v.SetDefault("retention.horizon", "168h")
	v.SetDefault("retention.schedule", "@every 1h")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")

	v.SetDefault("cache.ttl.fast", "15s")
	v.SetDefault("cache.ttl.medium", "60s")
	v.SetDefault("cache.ttl.slow", "300s")
	v.SetDefault("cache.sweep_interval", "1m")

	v.SetDefault("protocol.token", "0x80B98d3aa09ffff255c3ba4A241111Ff1262F045")
	v.SetDefault("protocol.trove_manager", "0x5aB87c2398454125Dd424425e39c8909bBE16022")
	v.SetDefault("protocol.price_feed", "0x80e651c9739C1ed15A267c11b85361780164A368")
	v.SetDefault("protocol.stability_pool", "0x791Ad78bBc58324089D3E0A8689E7D045B9592b5")
	v.SetDefault("protocol.pool", "0x4e07447bd38e60b94176764133788be1a0736b30")

	v.SetDefault("sources.chain_rpc.kind", "evm_rpc")
	v.SetDefault("sources.chain_rpc.url", "https://api.node.glif.io/rpc/v1")
	v.SetDefault("sources.chain_rpc.timeout", "30s")
	v.SetDefault("sources.explorer.kind", "http_json")
	v.SetDefault("sources.explorer.url", "https://filecoin.blockscout.com/api/v2")
	v.SetDefault("sources.explorer.timeout", "15s")
	v.SetDefault("sources.explorer.rps", 5.0)
	v.SetDefault("sources.dex_aggregator.kind", "http_json")
	v.SetDefault("sources.dex_aggregator.url", "https://api.geckoterminal.com/api/v2/networks/filecoin")
	v.SetDefault("sources.dex_aggregator.timeout", "15s")
	v.SetDefault("sources.dex_aggregator.rps", 0.5)
	v.SetDefault("sources.subgraph.kind", "graphql")
	v.SetDefault("sources.subgraph.url", "https://api.goldsky.com/api/public/project_cm8i6ca9k24d601wy45zzbsrq/subgraphs/sf-filecoin-mainnet/latest/gn")
	v.SetDefault("sources.subgraph.timeout", "15s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be greater than zero")
	}
	if c.Retention.Horizon <= 0 {
		return fmt.Errorf("retention.horizon must be greater than zero")
	}
	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be greater than zero")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be greater than zero")
	}
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be bolt or postgres, got %q", c.Storage.Driver)
	}
	if c.Collector.Lease.Enabled && c.Collector.Lease.URL == "" {
		return fmt.Errorf("collector.lease.url is required when the lease is enabled")
	}
	for id, src := range c.Sources {
		if src.URL == "" {
			return fmt.Errorf("sources.%s.url is required", id)
		}
	}
	for _, m := range c.Metrics {
		if m.Kind == "observed" {
			if _, ok := c.Sources[m.Source]; !ok {
				return fmt.Errorf("metric %s references unknown source %q", m.Name, m.Source)
			}
			if _, err := c.Cache.TTL.Resolve(m.TTLClass); err != nil {
				return fmt.Errorf("metric %s: %w", m.Name, err)
			}
		}
	}
	for _, r := range c.Alerting.Rules {
		if r.Below == nil && r.Above == nil {
			return fmt.Errorf("alerting rule for %s needs below or above", r.Metric)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// SourceIDs returns configured source ids in a stable order.
func (c *Config) SourceIDs() []string {
	ids := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
