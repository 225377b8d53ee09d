// Package config loads and validates the shipper configuration from an
// optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/logshipper/internal/checkpoint"
	"github.com/Sumatoshi-tech/logshipper/internal/dedup"
	"github.com/Sumatoshi-tech/logshipper/internal/ingest"
	"github.com/Sumatoshi-tech/logshipper/internal/observability"
	"github.com/Sumatoshi-tech/logshipper/internal/retry"
	"github.com/Sumatoshi-tech/logshipper/internal/scanner"
)

// Sentinel validation errors.
var (
	ErrMissingIngestURL   = errors.New("ingest.url is required for the http sink")
	ErrMissingIngestToken = errors.New("ingest.token is required for the http sink")
	ErrMissingKafkaBroker = errors.New("ingest.kafka.brokers is required for the kafka sink")
	ErrMissingKafkaTopic  = errors.New("ingest.kafka.topic is required for the kafka sink")
	ErrUnknownSink        = errors.New("unknown ingest sink")
	ErrMissingConnection  = errors.New("storage.connection is required")
	ErrInvalidBatchSize   = errors.New("ingest.batch_size must be positive")
	ErrInvalidByteSize    = errors.New("invalid byte size")
	ErrInvalidRetry       = errors.New("invalid ingest retry settings")
	ErrInvalidLookback    = errors.New("source.lookback_partitions must not be negative")
	ErrInvalidLogLevel    = errors.New("invalid logging.level")
	ErrInvalidLogFormat   = errors.New("invalid logging.format")
	ErrInvalidSampleRatio = errors.New("observability.sample_ratio must be within [0, 1]")
	ErrInvalidTimeout     = errors.New("timeouts must be positive")
)

// Environment handling.
const (
	EnvPrefix = "LOGSHIPPER"

	defaultConfigName = "logshipper"
)

// Default configuration values.
const (
	defaultSourceContainer = "insights-logs-networksecuritygroupflowevent"
	defaultMaxBatchBytes   = "4MiB"
	defaultMaxObjectSize   = "512MiB"
	defaultCommitTimeout   = 30 * time.Second
	defaultDedupPath       = "logshipper-dedup.db"
	defaultDedupRetention  = 30 * 24 * time.Hour
	defaultLogFormat       = "text"
	logFormatJSON          = "json"
)

// aliases binds the environment names used by the legacy collector.
var aliases = map[string][]string{
	"ingest.url":         {"LogScaleHostURL", "LOGSCALE_URL"},
	"ingest.token":       {"LogScaleIngestToken", "LOGSCALE_BEARER_TOKEN"},
	"storage.connection": {"AzureWebJobsStorage"},
	"source.container":   {"CONTAINER_NAME"},
}

// Config holds all configuration of the shipper.
type Config struct {
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Source        SourceConfig        `mapstructure:"source"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Dedup         DedupConfig         `mapstructure:"dedup"`
	Shipper       ShipperConfig       `mapstructure:"shipper"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// IngestConfig holds the downstream delivery settings.
type IngestConfig struct {
	URL             string        `mapstructure:"url"`
	Token           string        `mapstructure:"token"`
	Sink            string        `mapstructure:"sink"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxBatchBytes   string        `mapstructure:"max_batch_bytes"`
	Kafka           KafkaConfig   `mapstructure:"kafka"`
}

// KafkaConfig holds the Kafka (or Event Hubs) producer settings.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	ClientID     string   `mapstructure:"client_id"`
	SASLUser     string   `mapstructure:"sasl_user"`
	SASLPassword string   `mapstructure:"sasl_password"`
	TLS          bool     `mapstructure:"tls"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Connection string `mapstructure:"connection"`
}

// SourceConfig locates the log objects.
type SourceConfig struct {
	Container          string `mapstructure:"container"`
	Root               string `mapstructure:"root"`
	PartitionLayout    string `mapstructure:"partition_layout"`
	LookbackPartitions int    `mapstructure:"lookback_partitions"`
	MaxObjectSize      string `mapstructure:"max_object_size"`
}

// CheckpointConfig locates the checkpoint document.
type CheckpointConfig struct {
	Container string `mapstructure:"container"`
	Blob      string `mapstructure:"blob"`
}

// DedupConfig locates the fingerprint table.
type DedupConfig struct {
	Path      string        `mapstructure:"path"`
	Table     string        `mapstructure:"table"`
	Partition string        `mapstructure:"partition"`
	Retention time.Duration `mapstructure:"retention"`
}

// ShipperConfig holds orchestration settings.
type ShipperConfig struct {
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ObservabilityConfig holds telemetry export settings.
type ObservabilityConfig struct {
	OTLPEndpoint    string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure    bool    `mapstructure:"otlp_insecure"`
	OTLPHeaders     string  `mapstructure:"otlp_headers"`
	Environment     string  `mapstructure:"environment"`
	DiagnosticsAddr string  `mapstructure:"diagnostics_addr"`
	SampleRatio     float64 `mapstructure:"sample_ratio"`
}

// Load reads the configuration with Read and validates it for a shipping
// run.
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Read reads configuration from configPath (or logshipper.yaml in the
// working directory or /etc/logshipper when empty) and the environment
// without validating it. A missing default file is not an error.
func Read(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/logshipper")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range aliases {
		bindErr := v.BindEnv(append([]string{key, envName(key)}, names...)...)
		if bindErr != nil {
			return nil, fmt.Errorf("bind %s: %w", key, bindErr)
		}
	}

	readErr := v.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := v.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	return &cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults(v *viper.Viper) {
	policy := retry.DefaultPolicy()

	v.SetDefault("ingest.url", "")
	v.SetDefault("ingest.token", "")
	v.SetDefault("ingest.sink", ingest.SinkHTTP)
	v.SetDefault("ingest.request_timeout", ingest.DefaultRequestTimeout)
	v.SetDefault("ingest.max_attempts", int(policy.MaxAttempts))
	v.SetDefault("ingest.max_elapsed", policy.MaxElapsed)
	v.SetDefault("ingest.initial_interval", policy.InitialInterval)
	v.SetDefault("ingest.max_interval", policy.MaxInterval)
	v.SetDefault("ingest.batch_size", ingest.DefaultBatchSize)
	v.SetDefault("ingest.max_batch_bytes", defaultMaxBatchBytes)
	v.SetDefault("ingest.kafka.brokers", []string{})
	v.SetDefault("ingest.kafka.topic", "")
	v.SetDefault("ingest.kafka.client_id", defaultConfigName)
	v.SetDefault("ingest.kafka.sasl_user", "")
	v.SetDefault("ingest.kafka.sasl_password", "")
	v.SetDefault("ingest.kafka.tls", false)

	v.SetDefault("storage.connection", "")

	v.SetDefault("source.container", defaultSourceContainer)
	v.SetDefault("source.root", "")
	v.SetDefault("source.partition_layout", scanner.DefaultPartitionLayout)
	v.SetDefault("source.lookback_partitions", 0)
	v.SetDefault("source.max_object_size", defaultMaxObjectSize)

	v.SetDefault("checkpoint.container", checkpoint.DefaultContainer)
	v.SetDefault("checkpoint.blob", checkpoint.DefaultBlob)

	v.SetDefault("dedup.path", defaultDedupPath)
	v.SetDefault("dedup.table", dedup.DefaultTable)
	v.SetDefault("dedup.partition", dedup.DefaultPartition)
	v.SetDefault("dedup.retention", defaultDedupRetention)

	v.SetDefault("shipper.commit_timeout", defaultCommitTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", defaultLogFormat)

	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_insecure", false)
	v.SetDefault("observability.otlp_headers", "")
	v.SetDefault("observability.environment", "")
	v.SetDefault("observability.diagnostics_addr", "")
	v.SetDefault("observability.sample_ratio", 0.0)
}

// Validate checks the configuration. Ingest requirements depend on the
// selected sink.
func (c *Config) Validate() error {
	err := c.validateIngest()
	if err != nil {
		return err
	}

	_, err = parseSize("source.max_object_size", c.Source.MaxObjectSize)
	if err != nil {
		return err
	}

	if c.Source.LookbackPartitions < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLookback, c.Source.LookbackPartitions)
	}

	if c.Shipper.CommitTimeout <= 0 {
		return fmt.Errorf("%w: shipper.commit_timeout %s", ErrInvalidTimeout, c.Shipper.CommitTimeout)
	}

	return c.ValidateMaintenance()
}

// ValidateMaintenance checks only what the checkpoint and dedup commands
// need: storage and logging.
func (c *Config) ValidateMaintenance() error {
	if strings.TrimSpace(c.Storage.Connection) == "" {
		return ErrMissingConnection
	}

	if _, ok := observability.ParseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}

	if c.Logging.Format != defaultLogFormat && c.Logging.Format != logFormatJSON {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}

	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, c.Observability.SampleRatio)
	}

	return nil
}

func (c *Config) validateIngest() error {
	switch c.Ingest.Sink {
	case ingest.SinkHTTP:
		if strings.TrimSpace(c.Ingest.URL) == "" {
			return ErrMissingIngestURL
		}

		if strings.TrimSpace(c.Ingest.Token) == "" {
			return ErrMissingIngestToken
		}
	case ingest.SinkKafka:
		if len(c.Ingest.Kafka.Brokers) == 0 {
			return ErrMissingKafkaBroker
		}

		if strings.TrimSpace(c.Ingest.Kafka.Topic) == "" {
			return ErrMissingKafkaTopic
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSink, c.Ingest.Sink)
	}

	if c.Ingest.RequestTimeout <= 0 {
		return fmt.Errorf("%w: ingest.request_timeout %s", ErrInvalidTimeout, c.Ingest.RequestTimeout)
	}

	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Ingest.BatchSize)
	}

	_, err := parseSize("ingest.max_batch_bytes", c.Ingest.MaxBatchBytes)
	if err != nil {
		return err
	}

	if c.Ingest.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max_attempts %d", ErrInvalidRetry, c.Ingest.MaxAttempts)
	}

	err = c.RetryPolicy().Validate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRetry, err)
	}

	return nil
}

// RetryPolicy returns the delivery retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = uint(max(c.Ingest.MaxAttempts, 0))
	p.MaxElapsed = c.Ingest.MaxElapsed
	p.InitialInterval = c.Ingest.InitialInterval
	p.MaxInterval = c.Ingest.MaxInterval

	return p
}

// BatchBytes returns ingest.max_batch_bytes in bytes.
func (c *Config) BatchBytes() int {
	n, _ := parseSize("ingest.max_batch_bytes", c.Ingest.MaxBatchBytes)

	return int(min(n, uint64(1<<62)))
}

// ObjectSizeLimit returns source.max_object_size in bytes.
func (c *Config) ObjectSizeLimit() uint64 {
	n, _ := parseSize("source.max_object_size", c.Source.MaxObjectSize)

	return n
}

// Telemetry maps the logging and observability sections onto an
// observability.Config for the given mode.
func (c *Config) Telemetry(mode observability.AppMode, version string) observability.Config {
	out := observability.DefaultConfig()
	out.Mode = mode
	out.ServiceVersion = version
	out.Environment = c.Observability.Environment
	out.OTLPEndpoint = c.Observability.OTLPEndpoint
	out.OTLPInsecure = c.Observability.OTLPInsecure
	out.OTLPHeaders = observability.ParseOTLPHeaders(c.Observability.OTLPHeaders)
	out.SampleRatio = c.Observability.SampleRatio
	out.Prometheus = c.Observability.DiagnosticsAddr != ""
	out.LogJSON = c.Logging.Format == logFormatJSON
	out.LogLevel, _ = observability.ParseLevel(c.Logging.Level)

	return out
}

// parseSize parses a humanized size such as "4MiB" or "500 kB". Empty
// means unlimited and yields zero.
func parseSize(key, value string) (uint64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %w", ErrInvalidByteSize, key, value, err)
	}

	return n, nil
}
