package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost         = "localhost"
	DefaultPort         = 8090
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Minute // invocations may run up to MaxTimeout
	DefaultIdleTimeout  = 120 * time.Second
	DefaultMaxBodySize  = 10 * 1024 * 1024 // 10MB
	DefaultTokenIssuer  = "funcbox"
	DefaultTokenTTL     = 24 * time.Hour

	// Database defaults.
	DefaultDBPath       = "funcbox.db"
	DefaultCacheSize    = -64000 // 64MB
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1 // SQLite works best with single writer
	DefaultMaxIdleConns = 1

	// Functions defaults.
	DefaultFunctionTimeout   = 30 * time.Second
	DefaultMaxTimeout        = 15 * time.Minute
	DefaultMemoryLimit       = 128 // MB
	DefaultMaxInputBytes     = 1024 * 1024
	DefaultInlineSourceLimit = 64 * 1024
	DefaultManifestsDir      = "functions"

	// Sandbox defaults.
	DefaultNodeCommand        = "node"
	DefaultPythonCommand      = "python3"
	DefaultShellCommand       = "sh"
	DefaultMemoryPollInterval = 50 * time.Millisecond
	DefaultCELCostLimit       = 1_000_000
	DefaultIsolation          = "auto"
	DefaultContainerRuntime   = "docker"
	DefaultContainerPidsLimit = 64

	// Blob defaults.
	DefaultBlobsPath = "data/blobs"

	// Scheduler defaults.
	DefaultSchedulerPoll = time.Second
	DefaultTimezone      = "UTC"
	DefaultClaimTTL      = 24 * time.Hour

	// Events defaults.
	DefaultEventsPoll      = 100 * time.Millisecond
	DefaultEventsBatchSize = 100
	DefaultEventsRetention = 7 * 24 * time.Hour

	// Executions defaults.
	DefaultExecutionRetention = 30 * 24 * time.Hour
	DefaultCleanupInterval    = time.Hour

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			Auth: AuthConfig{
				Issuer:   DefaultTokenIssuer,
				TokenTTL: DefaultTokenTTL,
			},
			RateLimit: RateLimitConfig{
				Max:    120,
				Window: time.Minute,
			},
		},
		Database: DatabaseConfig{
			Path:         DefaultDBPath,
			WALMode:      true,
			CacheSize:    DefaultCacheSize,
			BusyTimeout:  DefaultBusyTimeout,
			ForeignKeys:  true,
			MaxOpenConns: DefaultMaxOpenConns,
			MaxIdleConns: DefaultMaxIdleConns,
		},
		Functions: FunctionsConfig{
			DefaultTimeout:    DefaultFunctionTimeout,
			MaxTimeout:        DefaultMaxTimeout,
			DefaultMemory:     DefaultMemoryLimit,
			MaxInputBytes:     DefaultMaxInputBytes,
			InlineSourceLimit: DefaultInlineSourceLimit,
			ManifestsDir:      DefaultManifestsDir,
			Watch:             false,
		},
		Sandbox: SandboxConfig{
			NodeCommand:        DefaultNodeCommand,
			PythonCommand:      DefaultPythonCommand,
			ShellCommand:       DefaultShellCommand,
			MemoryPollInterval: DefaultMemoryPollInterval,
			CELCostLimit:       DefaultCELCostLimit,
			Isolation:          DefaultIsolation,
			Container: ContainerConfig{
				Runtime: DefaultContainerRuntime,
				Images: map[string]string{
					"javascript": "node:22-alpine",
					"python":     "python:3.12-alpine",
					"shell":      "alpine:3.20",
				},
				PidsLimit: DefaultContainerPidsLimit,
			},
		},
		Blobs: BlobsConfig{
			Type:        "filesystem",
			Path:        DefaultBlobsPath,
			Compression: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			PollInterval:    DefaultSchedulerPoll,
			Catchup:         false,
			DefaultTimezone: DefaultTimezone,
			ClaimBackend:    "sqlite",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				ClaimTTL: DefaultClaimTTL,
			},
		},
		Events: EventsConfig{
			Enabled:      true,
			PollInterval: DefaultEventsPoll,
			BatchSize:    DefaultEventsBatchSize,
			Retention:    DefaultEventsRetention,
			AMQP: AMQPConfig{
				Exchange:   "funcbox.events",
				Queue:      "funcbox.triggers",
				BindingKey: "#",
				Prefetch:   10,
			},
			Webhooks: WebhooksConfig{
				Algorithm: "hmac-sha256",
				Header:    "X-Funcbox-Signature",
			},
		},
		Executions: ExecutionsConfig{
			Retention:       DefaultExecutionRetention,
			CleanupInterval: DefaultCleanupInterval,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "funcbox",
			SampleRatio: 1,
		},
	}
}
