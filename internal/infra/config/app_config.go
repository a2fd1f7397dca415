// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tickcapture/errs"
)

// PathsConfig locates the JSON configuration artifacts. Relative file names resolve against Dir.
type PathsConfig struct {
	Dir         string `yaml:"dir"`
	Connections string `yaml:"connections"`
	Universe    string `yaml:"universe"`
	Include     string `yaml:"include"`
	Exclude     string `yaml:"exclude"`
	Active      string `yaml:"active"`
	TradingDay  string `yaml:"tradingDay"`
}

func (c *PathsConfig) applyDefaults() {
	c.Dir = strings.TrimSpace(c.Dir)
	if c.Dir == "" {
		c.Dir = "config"
	}
	c.Dir = filepath.Clean(c.Dir)
	defaultName(&c.Connections, "connections.json")
	defaultName(&c.Universe, "universe.json")
	defaultName(&c.Include, "include.json")
	defaultName(&c.Exclude, "exclude.json")
	defaultName(&c.Active, "active.json")
	defaultName(&c.TradingDay, "tradingday.json")
}

func defaultName(field *string, fallback string) {
	*field = strings.TrimSpace(*field)
	if *field == "" {
		*field = fallback
	}
}

// Resolve returns name joined with Dir unless it is already absolute.
func (c PathsConfig) Resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Dir, name)
}

// WatchConfig controls the reload file watcher.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// IngestionConfig sizes the ingestion pipeline.
type IngestionConfig struct {
	// QueueSize bounds queued events; zero means unbounded.
	QueueSize              int           `yaml:"queueSize"`
	Overflow               string        `yaml:"overflow"`
	OnClose                string        `yaml:"onClose"`
	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures"`
	ShutdownTimeout        time.Duration `yaml:"shutdownTimeout"`
}

// VendorConfig tunes vendor request pacing and retry.
type VendorConfig struct {
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	Burst          int           `yaml:"burst"`
	MaxAttempts    uint          `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MatchTimeout   time.Duration `yaml:"matchTimeout"`
}

// SinkDriver names the primary tick store implementation.
type SinkDriver string

const (
	// SinkPostgres writes ticks to PostgreSQL.
	SinkPostgres SinkDriver = "postgres"
	// SinkSQLite writes ticks to an embedded SQLite file.
	SinkSQLite SinkDriver = "sqlite"
	// SinkKafka publishes ticks to a Kafka topic.
	SinkKafka SinkDriver = "kafka"
)

// SQLiteConfig configures the embedded tick store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// KafkaConfig configures the tick stream sink.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	// Async buffers messages and batches them; BatchSize and BatchTimeout apply only then.
	Async        bool          `yaml:"async"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
}

// SinkConfig selects and configures the primary tick store.
type SinkConfig struct {
	Driver SinkDriver   `yaml:"driver"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Kafka  KafkaConfig  `yaml:"kafka"`
}

// QuoteCacheConfig configures the optional Redis latest-quote cache.
type QuoteCacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	Channel   string        `yaml:"channel"`
	TTL       time.Duration `yaml:"ttl"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/tickcapture"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified capture service configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Paths       PathsConfig      `yaml:"paths"`
	Watch       WatchConfig      `yaml:"watch"`
	Ingestion   IngestionConfig  `yaml:"ingestion"`
	Vendor      VendorConfig     `yaml:"vendor"`
	Sink        SinkConfig       `yaml:"sink"`
	QuoteCache  QuoteCacheConfig `yaml:"quoteCache"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Database    DatabaseConfig   `yaml:"database"`
}

// DefaultAppConfig returns a development configuration with every default applied.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Watch:       WatchConfig{Enabled: true},
		Sink:        SinkConfig{Driver: SinkPostgres},
		APIServer:   APIServerConfig{Addr: ":8880"},
		Telemetry:   TelemetryConfig{ServiceName: "tickcapture", EnableMetrics: true},
		Database:    DatabaseConfig{RunMigrations: true},
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Sink: SinkConfig{Driver: SinkPostgres}}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	return AppConfig{}, err
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Paths.applyDefaults()
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 500 * time.Millisecond
	}

	c.Ingestion.Overflow = strings.ToLower(strings.TrimSpace(c.Ingestion.Overflow))
	if c.Ingestion.Overflow == "" {
		c.Ingestion.Overflow = "block"
	}
	c.Ingestion.OnClose = strings.ToLower(strings.TrimSpace(c.Ingestion.OnClose))
	if c.Ingestion.OnClose == "" {
		c.Ingestion.OnClose = "drain"
	}
	if c.Ingestion.ShutdownTimeout <= 0 {
		c.Ingestion.ShutdownTimeout = 30 * time.Second
	}

	if c.Vendor.ConnectTimeout <= 0 {
		c.Vendor.ConnectTimeout = 15 * time.Second
	}

	c.Sink.Driver = SinkDriver(strings.ToLower(strings.TrimSpace(string(c.Sink.Driver))))
	c.Sink.SQLite.Path = strings.TrimSpace(c.Sink.SQLite.Path)
	if c.Sink.SQLite.Path == "" {
		c.Sink.SQLite.Path = "ticks.db"
	}
	c.Sink.Kafka.Topic = strings.TrimSpace(c.Sink.Kafka.Topic)
	if c.Sink.Kafka.Topic == "" {
		c.Sink.Kafka.Topic = "ticks"
	}
	brokers := make([]string, 0, len(c.Sink.Kafka.Brokers))
	for _, b := range c.Sink.Kafka.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	c.Sink.Kafka.Brokers = brokers
	if c.Sink.Kafka.BatchSize <= 0 {
		c.Sink.Kafka.BatchSize = 100
	}
	if c.Sink.Kafka.BatchTimeout <= 0 {
		c.Sink.Kafka.BatchTimeout = 50 * time.Millisecond
	}

	c.QuoteCache.Addr = strings.TrimSpace(c.QuoteCache.Addr)
	if c.QuoteCache.Addr == "" {
		c.QuoteCache.Addr = "localhost:6379"
	}
	defaultName(&c.QuoteCache.KeyPrefix, "quote:")
	defaultName(&c.QuoteCache.Channel, "quotes")

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	fail := func(msg string, args ...any) error {
		return errs.New("config/app", errs.CodeConfigInvalid, errs.WithMessage(fmt.Sprintf(msg, args...)))
	}
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fail("environment must be one of dev, staging, prod")
	}

	if c.Ingestion.QueueSize < 0 {
		return fail("ingestion queueSize must be >=0")
	}
	switch c.Ingestion.Overflow {
	case "block", "drop_oldest", "fail":
	default:
		return fail("ingestion overflow must be one of block, drop_oldest, fail")
	}
	switch c.Ingestion.OnClose {
	case "drain", "truncate":
	default:
		return fail("ingestion onClose must be one of drain, truncate")
	}
	if c.Ingestion.MaxConsecutiveFailures < 0 {
		return fail("ingestion maxConsecutiveFailures must be >=0")
	}

	if c.Vendor.RatePerSecond < 0 {
		return fail("vendor ratePerSecond must be >=0")
	}
	if c.Vendor.Burst < 0 {
		return fail("vendor burst must be >=0")
	}
	if c.Vendor.MaxBackoff > 0 && c.Vendor.InitialBackoff > c.Vendor.MaxBackoff {
		return fail("vendor initialBackoff must be <= maxBackoff")
	}

	switch c.Sink.Driver {
	case SinkPostgres:
		if err := c.Database.validate(); err != nil {
			return fail("database: %v", err)
		}
	case SinkSQLite:
	case SinkKafka:
		if len(c.Sink.Kafka.Brokers) == 0 {
			return fail("sink kafka brokers required")
		}
	default:
		return fail("sink driver must be one of postgres, sqlite, kafka")
	}

	if c.QuoteCache.DB < 0 {
		return fail("quoteCache db must be >=0")
	}
	if c.QuoteCache.TTL < 0 {
		return fail("quoteCache ttl must be >=0")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fail("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fail("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
