// Package config provides configuration management for funcbox.
package config

import (
	"strconv"
	"time"
)

// Config is the root configuration structure for funcbox.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Functions  FunctionsConfig  `mapstructure:"functions"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Blobs      BlobsConfig      `mapstructure:"blobs"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Events     EventsConfig     `mapstructure:"events"`
	Executions ExecutionsConfig `mapstructure:"executions"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Request timeouts
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// Bearer token authentication for the API
	Auth AuthConfig `mapstructure:"auth"`

	// Per-client limit on invocation and event endpoints
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig allows Max requests per client per Window.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Max     int           `mapstructure:"max"`
	Window  time.Duration `mapstructure:"window"`
}

// AuthConfig holds API token settings. Authentication is disabled when
// Secret is empty.
type AuthConfig struct {
	// HMAC secret used to sign and verify tokens (min 32 chars)
	Secret string `mapstructure:"secret"`

	// Token issuer claim
	Issuer string `mapstructure:"issuer"`

	// Default lifetime for tokens minted by the CLI
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// Enabled reports whether API authentication is configured.
func (a *AuthConfig) Enabled() bool {
	return a.Secret != ""
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Cache size in KB (negative for KB, positive for pages)
	CacheSize int `mapstructure:"cache_size"`

	// Busy timeout
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Enable foreign keys
	ForeignKeys bool `mapstructure:"foreign_keys"`

	// Maximum open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// Maximum idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// Connection max lifetime
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// FunctionsConfig holds registry and invocation limits.
type FunctionsConfig struct {
	// Timeout applied when a definition does not declare one
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// Upper bound for any declared timeout
	MaxTimeout time.Duration `mapstructure:"max_timeout"`

	// Memory ceiling in MB applied when a definition does not declare one
	DefaultMemory int `mapstructure:"default_memory"`

	// Largest accepted invocation input, in bytes of encoded JSON
	MaxInputBytes int `mapstructure:"max_input_bytes"`

	// Sources larger than this are stored in the blob store
	InlineSourceLimit int `mapstructure:"inline_source_limit"`

	// Directory of YAML manifests registered on startup
	ManifestsDir string `mapstructure:"manifests_dir"`

	// Re-register manifests when they change on disk
	Watch bool `mapstructure:"watch"`
}

// SandboxConfig holds language adapter settings.
type SandboxConfig struct {
	// Interpreter commands for subprocess adapters
	NodeCommand   string `mapstructure:"node_command"`
	PythonCommand string `mapstructure:"python_command"`
	ShellCommand  string `mapstructure:"shell_command"`

	// Parent directory for per-invocation work directories (empty for os.TempDir)
	WorkDir string `mapstructure:"work_dir"`

	// Interval between memory samples of a running handler process
	MemoryPollInterval time.Duration `mapstructure:"memory_poll_interval"`

	// Maximum evaluation cost of a CEL handler
	CELCostLimit uint64 `mapstructure:"cel_cost_limit"`

	// How sandboxed subprocess handlers are isolated from the host:
	// auto, namespace, container or none
	Isolation string `mapstructure:"isolation"`

	// Grant sandboxed handlers network access
	AllowNetwork bool `mapstructure:"allow_network"`

	// Container isolation settings
	Container ContainerConfig `mapstructure:"container"`
}

// ContainerConfig holds settings for running handlers in containers.
type ContainerConfig struct {
	// docker or podman
	Runtime string `mapstructure:"runtime"`

	// Image per language (javascript, python, shell)
	Images map[string]string `mapstructure:"images"`

	// Maximum processes per container
	PidsLimit int `mapstructure:"pids_limit"`
}

// BlobsConfig holds storage settings for large function sources.
type BlobsConfig struct {
	// Backend type (filesystem or s3)
	Type string `mapstructure:"type"`

	// Filesystem root
	Path string `mapstructure:"path"`

	// Compress blobs with zstd
	Compression bool `mapstructure:"compression"`

	// S3 settings
	S3 S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible backend settings.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// SchedulerConfig holds schedule trigger settings.
type SchedulerConfig struct {
	// Enable the schedule loop
	Enabled bool `mapstructure:"enabled"`

	// How often due schedules are checked
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Fire one overdue occurrence after a restart instead of skipping it
	Catchup bool `mapstructure:"catchup"`

	// Timezone used when a trigger does not declare one
	DefaultTimezone string `mapstructure:"default_timezone"`

	// Where occurrence claims are recorded (sqlite or redis)
	ClaimBackend string `mapstructure:"claim_backend"`

	// Redis settings for the redis claim backend
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	// Enable the event processing loop
	Enabled bool `mapstructure:"enabled"`

	// How often pending events are processed
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Events fetched per processing round
	BatchSize int `mapstructure:"batch_size"`

	// How long processed events are kept
	Retention time.Duration `mapstructure:"retention"`

	// Optional AMQP source
	AMQP AMQPConfig `mapstructure:"amqp"`

	// Signed HTTP callbacks published as events
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
}

// WebhooksConfig holds settings for POST /webhooks/{object}/{action}.
type WebhooksConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Shared HMAC secret
	Secret string `mapstructure:"secret"`

	// hmac-sha256 or hmac-sha1
	Algorithm string `mapstructure:"algorithm"`

	// Header carrying the signature
	Header string `mapstructure:"header"`
}

// AMQPConfig holds settings for consuming events from a message broker.
type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
	// Routing key bound to the queue, <Object>.<action> with AMQP wildcards
	BindingKey string `mapstructure:"binding_key"`
	Prefetch   int    `mapstructure:"prefetch"`
}

// ExecutionsConfig holds execution record settings.
type ExecutionsConfig struct {
	// How long finished records are kept (0 keeps them forever)
	Retention time.Duration `mapstructure:"retention"`

	// How often the retention sweep runs
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig holds OpenTelemetry trace export settings.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// OTLP/HTTP collector endpoint (host:port)
	Endpoint string `mapstructure:"endpoint"`

	// Send spans over plain HTTP
	Insecure bool `mapstructure:"insecure"`

	// Service name reported on every span
	ServiceName string `mapstructure:"service_name"`

	// Fraction of root spans sampled, 0 to 1
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}
