package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Tracker backends
const (
	TrackerMemory   = "memory"
	TrackerPostgres = "postgres"
	TrackerRedis    = "redis"
	TrackerDynamoDB = "dynamodb"
)

// Event transports
const (
	EventsRabbitMQ = "rabbitmq"
	EventsKafka    = "kafka"
	EventsLog      = "log"
)

// Content store backends
const (
	ContentHTTP       = "http"
	ContentFilesystem = "filesystem"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Events    EventsConfig    `yaml:"events"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retry     RetryConfig     `yaml:"retry"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Inference InferenceConfig `yaml:"inference"`
	Content   ContentConfig   `yaml:"content"`
	Convert   ConvertConfig   `yaml:"convert"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
	NoColor      bool   `yaml:"no_color"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig holds the worker's Prometheus and health endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DynamoDBConfig holds the AWS region and an optional endpoint override for local stacks
type DynamoDBConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Table    string `yaml:"table"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	Queues      QueuesConfig     `yaml:"queues"`
	MaxPriority int              `yaml:"max_priority"`
	RetryTiers  []time.Duration  `yaml:"retry_tiers"`
	Connection  ConnectionConfig `yaml:"connection"`
	Publish     PublishConfig    `yaml:"publish"`
	Consumer    ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueuesConfig names the job queue and its retry and dead-letter companions
type QueuesConfig struct {
	Durable    bool        `yaml:"durable"`
	AutoDelete bool        `yaml:"auto_delete"`
	Exclusive  bool        `yaml:"exclusive"`
	Jobs       QueueConfig `yaml:"jobs"`
	Retry      QueueConfig `yaml:"retry"`
	DeadLetter QueueConfig `yaml:"dead_letter"`
}

// QueueConfig holds one queue and its binding key
type QueueConfig struct {
	Name       string `yaml:"name"`
	RoutingKey string `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings. A zero prefetch means
// twice the worker concurrency.
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// KafkaConfig holds the lifecycle event producer settings
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	AutoCreate   bool          `yaml:"auto_create"`
}

// EventsConfig selects where lifecycle events go
type EventsConfig struct {
	Transport   string        `yaml:"transport"`
	Prefix      string        `yaml:"prefix"`
	BufferSize  int           `yaml:"buffer_size"`
	SendRetries int           `yaml:"send_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	SendTimeout time.Duration `yaml:"send_timeout"`

	// CloseTimeout bounds the flush of buffered events at shutdown
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// TrackerConfig selects the idempotency store
type TrackerConfig struct {
	Backend      string        `yaml:"backend"`
	Lease        time.Duration `yaml:"lease"`
	Table        string        `yaml:"table"`
	RedisPrefix  string        `yaml:"redis_prefix"`
	RecordTTL    time.Duration `yaml:"record_ttl"`
	EnsureSchema bool          `yaml:"ensure_schema"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	ConsumerGroup     string        `yaml:"consumer_group"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	MaxJobTimeout     time.Duration `yaml:"max_job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	LaneWeights       LaneWeights   `yaml:"lane_weights"`
}

// LaneWeights are the weighted round-robin shares of the priority lanes
type LaneWeights struct {
	High   int `yaml:"high"`
	Normal int `yaml:"normal"`
	Low    int `yaml:"low"`
}

// RetryConfig bounds redelivery of failed jobs
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	Strategy     string        `yaml:"strategy"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       bool          `yaml:"jitter"`
}

// Tiers returns the retry queue delays covering every backoff: InitialDelay
// doubled until MaxDelay, with MaxDelay as the last tier
func (r RetryConfig) Tiers() []time.Duration {
	if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
		return nil
	}
	var tiers []time.Duration
	for d := r.InitialDelay; d < r.MaxDelay; d *= 2 {
		tiers = append(tiers, d)
	}
	return append(tiers, r.MaxDelay)
}

// PipelineConfig holds per-job processing limits
type PipelineConfig struct {
	DefaultResolution int           `yaml:"default_resolution"`
	MaxPayloadBytes   int64         `yaml:"max_payload_bytes"`
	ScratchDir        string        `yaml:"scratch_dir"`
	RetainScratch     bool          `yaml:"retain_scratch"`
	UploadRetries     int           `yaml:"upload_retries"`
	UploadRetryDelay  time.Duration `yaml:"upload_retry_delay"`
	DerivedType       string        `yaml:"derived_type"`
}

// InferenceConfig selects and tunes the OCR engine
type InferenceConfig struct {
	Engine          string        `yaml:"engine"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"api_key"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PageConcurrency int           `yaml:"page_concurrency"`
	PageTimeout     time.Duration `yaml:"page_timeout"`
	MaxPageTimeout  time.Duration `yaml:"max_page_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	Burst           int           `yaml:"burst"`
	MockDelay       time.Duration `yaml:"mock_delay"`
	MockFailRate    float64       `yaml:"mock_fail_rate"`
}

// ContentConfig selects the content store
type ContentConfig struct {
	Backend string        `yaml:"backend"`
	BaseURL string        `yaml:"base_url"`
	BaseDir string        `yaml:"base_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// ConvertConfig holds document-to-image conversion settings
type ConvertConfig struct {
	MaxParallel  int64  `yaml:"max_parallel"`
	DPI          int    `yaml:"dpi"`
	MaxPages     int    `yaml:"max_pages"`
	PdftoppmPath string `yaml:"pdftoppm_path"`
	SofficePath  string `yaml:"soffice_path"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills every unset value
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "simple-ocr")
	setString(&c.App.Environment, "development")

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
	setString(&c.Logging.Output, "stdout")
	setString(&c.Logging.TimeFormat, time.RFC3339)

	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	setInt(&c.Metrics.Port, 9090)
	setString(&c.Metrics.Path, "/metrics")

	setInt(&c.Database.Port, 5432)
	setString(&c.Database.SSLMode, "disable")

	setString(&c.Redis.Addr, "localhost:6379")

	setString(&c.DynamoDB.Region, "us-east-1")

	c.RabbitMQ.applyDefaults()

	setString(&c.Events.Transport, EventsRabbitMQ)
	setString(&c.Events.Prefix, "ocr.events")
	setInt(&c.Events.BufferSize, 256)
	setDuration(&c.Events.CloseTimeout, 5*time.Second)

	setString(&c.Tracker.Backend, TrackerMemory)
	setDuration(&c.Tracker.Lease, 5*time.Minute)

	setInt(&c.Worker.Concurrency, 4)
	setString(&c.Worker.ConsumerGroup, "ocr-workers")
	setDuration(&c.Worker.JobTimeout, 10*time.Minute)
	setDuration(&c.Worker.MaxJobTimeout, 30*time.Minute)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
	if c.Worker.LaneWeights == (LaneWeights{}) {
		c.Worker.LaneWeights = LaneWeights{High: 4, Normal: 2, Low: 1}
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	setString(&c.Retry.Strategy, "exponential")
	setDuration(&c.Retry.InitialDelay, time.Second)
	setDuration(&c.Retry.MaxDelay, 5*time.Minute)
	if len(c.RabbitMQ.RetryTiers) == 0 {
		c.RabbitMQ.RetryTiers = c.Retry.Tiers()
	}

	setInt(&c.Pipeline.DefaultResolution, 1024)
	if c.Pipeline.MaxPayloadBytes == 0 {
		c.Pipeline.MaxPayloadBytes = 50 << 20
	}
	setInt(&c.Pipeline.UploadRetries, 3)
	setDuration(&c.Pipeline.UploadRetryDelay, 500*time.Millisecond)
	setString(&c.Pipeline.DerivedType, "ocr_markdown")

	setString(&c.Inference.Engine, "mock")
	setInt(&c.Inference.MaxTokens, 2048)
	setDuration(&c.Inference.RequestTimeout, 2*time.Minute)
	setInt(&c.Inference.PageConcurrency, 1)
	setDuration(&c.Inference.PageTimeout, 30*time.Second)
	setDuration(&c.Inference.MaxPageTimeout, 300*time.Second)

	setString(&c.Content.Backend, ContentHTTP)
	setDuration(&c.Content.Timeout, 60*time.Second)

	if c.Convert.MaxParallel == 0 {
		c.Convert.MaxParallel = 2
	}
	setInt(&c.Convert.DPI, 150)
	setInt(&c.Convert.MaxPages, 200)
	setString(&c.Convert.PdftoppmPath, "pdftoppm")
	setString(&c.Convert.SofficePath, "soffice")
}

func (r *RabbitMQConfig) applyDefaults() {
	setInt(&r.Port, 5672)
	setString(&r.VHost, "/")
	setString(&r.Exchange.Name, "ocr")
	setString(&r.Exchange.Type, "topic")
	setString(&r.Queues.Jobs.Name, "ocr.jobs")
	setString(&r.Queues.Jobs.RoutingKey, "ocr.jobs.submit")
	setString(&r.Queues.Retry.Name, "ocr.jobs.retry")
	setString(&r.Queues.Retry.RoutingKey, "ocr.jobs.retry")
	setString(&r.Queues.DeadLetter.Name, "ocr.jobs.dlq")
	setString(&r.Queues.DeadLetter.RoutingKey, "ocr.jobs.dlq")
	setInt(&r.MaxPriority, 10)
	setInt(&r.Connection.RetryAttempts, 5)
	setDuration(&r.Connection.RetryInterval, 2*time.Second)
	setDuration(&r.Connection.Heartbeat, 10*time.Second)
	setDuration(&r.Connection.ConnectionTimeout, 30*time.Second)
	setInt(&r.Publish.RetryAttempts, 3)
	setDuration(&r.Publish.RetryInterval, time.Second)
	if r.Publish.BackoffMultiplier == 0 {
		r.Publish.BackoffMultiplier = 2.0
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// ValidateAPIConfig checks what the submission API needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.RabbitMQ.validate(); err != nil {
		return err
	}

	return c.validateTracker()
}

// ValidateWorkerConfig checks what the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.RabbitMQ.validate(); err != nil {
		return err
	}

	if err := c.validateTracker(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.MaxJobTimeout < c.Worker.JobTimeout {
		return fmt.Errorf("worker max_job_timeout (%s) must not be less than job_timeout (%s)", c.Worker.MaxJobTimeout, c.Worker.JobTimeout)
	}

	if c.Worker.HeartbeatInterval < 0 || c.Worker.HeartbeatInterval >= c.Tracker.Lease {
		return fmt.Errorf("worker heartbeat_interval must be between 0 and tracker lease (%s)", c.Tracker.Lease)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	w := c.Worker.LaneWeights
	if w.High < 0 || w.Normal < 0 || w.Low < 0 || w.High+w.Normal+w.Low == 0 {
		return fmt.Errorf("worker lane_weights must be non-negative with a positive sum")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative")
	}

	switch c.Retry.Strategy {
	case "constant", "linear", "exponential":
	default:
		return fmt.Errorf("unknown retry strategy: %s", c.Retry.Strategy)
	}

	if c.Inference.PageConcurrency <= 0 {
		return fmt.Errorf("inference page_concurrency must be greater than 0")
	}

	switch c.Events.Transport {
	case EventsRabbitMQ, EventsLog:
	case EventsKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required for events transport %q", EventsKafka)
		}
	default:
		return fmt.Errorf("unknown events transport: %s", c.Events.Transport)
	}

	switch c.Content.Backend {
	case ContentHTTP:
		if c.Content.BaseURL == "" {
			return fmt.Errorf("content base_url is required for backend %q", ContentHTTP)
		}
	case ContentFilesystem:
		if c.Content.BaseDir == "" {
			return fmt.Errorf("content base_dir is required for backend %q", ContentFilesystem)
		}
	default:
		return fmt.Errorf("unknown content backend: %s", c.Content.Backend)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	return nil
}

func (r *RabbitMQConfig) validate() error {
	if r.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if r.Port < MinPort || r.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", r.Port, MinPort, MaxPort)
	}

	if r.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if r.Queues.Jobs.Name == "" {
		return fmt.Errorf("rabbitmq jobs queue name is required")
	}

	if r.MaxPriority < 0 || r.MaxPriority > 255 {
		return fmt.Errorf("invalid rabbitmq max_priority: %d", r.MaxPriority)
	}

	for _, tier := range r.RetryTiers {
		if tier < time.Millisecond {
			return fmt.Errorf("invalid rabbitmq retry tier: %s", tier)
		}
	}

	return nil
}

func (c *Config) validateTracker() error {
	switch c.Tracker.Backend {
	case TrackerMemory:
	case TrackerPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case TrackerRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	case TrackerDynamoDB:
		if c.DynamoDB.Table == "" {
			return fmt.Errorf("dynamodb table is required")
		}
	default:
		return fmt.Errorf("unknown tracker backend: %s", c.Tracker.Backend)
	}

	if c.Tracker.Lease <= 0 {
		return fmt.Errorf("tracker lease must be greater than 0")
	}

	return nil
}
