package config

import (
	"fmt"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateDatabase(&cfg.Database)...)
	errs = append(errs, validateFunctions(&cfg.Functions)...)
	errs = append(errs, validateSandbox(&cfg.Sandbox)...)
	errs = append(errs, validateBlobs(&cfg.Blobs)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateEvents(&cfg.Events)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateTracing(&cfg.Tracing)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.WriteTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxBodySize < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_size",
			Message: "must be non-negative",
		})
	}

	if cfg.Auth.Enabled() {
		if err := ValidateTokenSecret(cfg.Auth.Secret); err != nil {
			errs = append(errs, *err)
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Max < 1 {
			errs = append(errs, ValidationError{
				Field:   "server.rate_limit.max",
				Message: "must be at least 1",
			})
		}
		if cfg.RateLimit.Window < time.Second {
			errs = append(errs, ValidationError{
				Field:   "server.rate_limit.window",
				Message: "must be at least 1s",
			})
		}
	}

	return errs
}

func validateDatabase(cfg *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "database.path",
			Message: "is required",
		})
	}

	return errs
}

func validateFunctions(cfg *FunctionsConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.DefaultTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "functions.default_timeout",
			Message: "must be positive",
		})
	}

	if cfg.MaxTimeout < cfg.DefaultTimeout {
		errs = append(errs, ValidationError{
			Field:   "functions.max_timeout",
			Message: "must be at least functions.default_timeout",
		})
	}

	if cfg.DefaultMemory < 0 {
		errs = append(errs, ValidationError{
			Field:   "functions.default_memory",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxInputBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "functions.max_input_bytes",
			Message: "must be positive",
		})
	}

	if cfg.InlineSourceLimit <= 0 {
		errs = append(errs, ValidationError{
			Field:   "functions.inline_source_limit",
			Message: "must be positive",
		})
	}

	if cfg.Watch && cfg.ManifestsDir == "" {
		errs = append(errs, ValidationError{
			Field:   "functions.manifests_dir",
			Message: "required when functions.watch is enabled",
		})
	}

	return errs
}

func validateSandbox(cfg *SandboxConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.MemoryPollInterval < time.Millisecond {
		errs = append(errs, ValidationError{
			Field:   "sandbox.memory_poll_interval",
			Message: "must be at least 1ms",
		})
	}

	if cfg.CELCostLimit == 0 {
		errs = append(errs, ValidationError{
			Field:   "sandbox.cel_cost_limit",
			Message: "must be positive",
		})
	}

	switch cfg.Isolation {
	case "auto", "namespace", "container", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "sandbox.isolation",
			Message: "must be auto, namespace, container or none",
		})
	}

	if cfg.Isolation == "container" || cfg.Isolation == "auto" {
		switch cfg.Container.Runtime {
		case "docker", "podman":
		default:
			errs = append(errs, ValidationError{
				Field:   "sandbox.container.runtime",
				Message: "must be docker or podman",
			})
		}
	}

	return errs
}

func validateBlobs(cfg *BlobsConfig) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Type {
	case "filesystem":
		if cfg.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "blobs.path",
				Message: "required for filesystem backend",
			})
		}
	case "s3":
		if cfg.S3.Bucket == "" {
			errs = append(errs, ValidationError{
				Field:   "blobs.s3.bucket",
				Message: "required for s3 backend",
			})
		}
		if cfg.S3.Region == "" {
			errs = append(errs, ValidationError{
				Field:   "blobs.s3.region",
				Message: "required for s3 backend",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "blobs.type",
			Message: "must be 'filesystem' or 's3'",
		})
	}

	return errs
}

func validateScheduler(cfg *SchedulerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.PollInterval < 10*time.Millisecond {
		errs = append(errs, ValidationError{
			Field:   "scheduler.poll_interval",
			Message: "must be at least 10ms",
		})
	}

	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		errs = append(errs, ValidationError{
			Field:   "scheduler.default_timezone",
			Message: fmt.Sprintf("unknown timezone %q", cfg.DefaultTimezone),
		})
	}

	switch cfg.ClaimBackend {
	case "sqlite":
	case "redis":
		if cfg.Redis.Addr == "" {
			errs = append(errs, ValidationError{
				Field:   "scheduler.redis.addr",
				Message: "required for redis claim backend",
			})
		}
		if cfg.Redis.ClaimTTL <= 0 {
			errs = append(errs, ValidationError{
				Field:   "scheduler.redis.claim_ttl",
				Message: "must be positive",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "scheduler.claim_backend",
			Message: "must be 'sqlite' or 'redis'",
		})
	}

	return errs
}

func validateEvents(cfg *EventsConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.PollInterval < time.Millisecond {
		errs = append(errs, ValidationError{
			Field:   "events.poll_interval",
			Message: "must be at least 1ms",
		})
	}

	if cfg.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "events.batch_size",
			Message: "must be at least 1",
		})
	}

	if cfg.AMQP.Enabled {
		if cfg.AMQP.URL == "" {
			errs = append(errs, ValidationError{
				Field:   "events.amqp.url",
				Message: "required when amqp is enabled",
			})
		}
		if cfg.AMQP.Queue == "" {
			errs = append(errs, ValidationError{
				Field:   "events.amqp.queue",
				Message: "required when amqp is enabled",
			})
		}
	}

	if cfg.Webhooks.Enabled {
		if len(cfg.Webhooks.Secret) < 16 {
			errs = append(errs, ValidationError{
				Field:   "events.webhooks.secret",
				Message: "must be at least 16 characters when webhooks are enabled",
			})
		}
		switch cfg.Webhooks.Algorithm {
		case "", "hmac-sha256", "hmac-sha1":
		default:
			errs = append(errs, ValidationError{
				Field:   "events.webhooks.algorithm",
				Message: "must be hmac-sha256 or hmac-sha1",
			})
		}
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[cfg.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error, fatal, panic",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be 'json' or 'console'",
		})
	}

	return errs
}

func validateTracing(cfg *TracingConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		errs = append(errs, ValidationError{
			Field:   "tracing.sample_ratio",
			Message: "must be between 0 and 1",
		})
	}

	if cfg.Enabled && cfg.Endpoint == "" {
		errs = append(errs, ValidationError{
			Field:   "tracing.endpoint",
			Message: "required when tracing is enabled",
		})
	}

	return errs
}

// ValidateTokenSecret checks that an API token secret is long enough for HS256.
func ValidateTokenSecret(secret string) *ValidationError {
	if secret == "" {
		return &ValidationError{
			Field:   "server.auth.secret",
			Message: "is required",
		}
	}
	if len(secret) < 32 {
		return &ValidationError{
			Field:   "server.auth.secret",
			Message: "must be at least 32 characters",
		}
	}
	return nil
}
