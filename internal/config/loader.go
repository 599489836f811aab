package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var ErrConfigNotFound = errors.New("config file not found")

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "FUNCBOX"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("funcbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/funcbox")
		v.AddConfigPath("/etc/funcbox")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvInConfig(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

func LoadWithDefaults() (*Config, error) {
	return Load(LoadOptions{})
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", cfg.Server.MaxBodySize)
	v.SetDefault("server.auth.secret", cfg.Server.Auth.Secret)
	v.SetDefault("server.auth.issuer", cfg.Server.Auth.Issuer)
	v.SetDefault("server.auth.token_ttl", cfg.Server.Auth.TokenTTL)
	v.SetDefault("server.rate_limit.enabled", cfg.Server.RateLimit.Enabled)
	v.SetDefault("server.rate_limit.max", cfg.Server.RateLimit.Max)
	v.SetDefault("server.rate_limit.window", cfg.Server.RateLimit.Window)

	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.wal_mode", cfg.Database.WALMode)
	v.SetDefault("database.cache_size", cfg.Database.CacheSize)
	v.SetDefault("database.busy_timeout", cfg.Database.BusyTimeout)
	v.SetDefault("database.foreign_keys", cfg.Database.ForeignKeys)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)

	v.SetDefault("functions.default_timeout", cfg.Functions.DefaultTimeout)
	v.SetDefault("functions.max_timeout", cfg.Functions.MaxTimeout)
	v.SetDefault("functions.default_memory", cfg.Functions.DefaultMemory)
	v.SetDefault("functions.max_input_bytes", cfg.Functions.MaxInputBytes)
	v.SetDefault("functions.inline_source_limit", cfg.Functions.InlineSourceLimit)
	v.SetDefault("functions.manifests_dir", cfg.Functions.ManifestsDir)
	v.SetDefault("functions.watch", cfg.Functions.Watch)

	v.SetDefault("sandbox.node_command", cfg.Sandbox.NodeCommand)
	v.SetDefault("sandbox.python_command", cfg.Sandbox.PythonCommand)
	v.SetDefault("sandbox.shell_command", cfg.Sandbox.ShellCommand)
	v.SetDefault("sandbox.work_dir", cfg.Sandbox.WorkDir)
	v.SetDefault("sandbox.memory_poll_interval", cfg.Sandbox.MemoryPollInterval)
	v.SetDefault("sandbox.cel_cost_limit", cfg.Sandbox.CELCostLimit)
	v.SetDefault("sandbox.isolation", cfg.Sandbox.Isolation)
	v.SetDefault("sandbox.allow_network", cfg.Sandbox.AllowNetwork)
	v.SetDefault("sandbox.container.runtime", cfg.Sandbox.Container.Runtime)
	v.SetDefault("sandbox.container.images", cfg.Sandbox.Container.Images)
	v.SetDefault("sandbox.container.pids_limit", cfg.Sandbox.Container.PidsLimit)

	v.SetDefault("blobs.type", cfg.Blobs.Type)
	v.SetDefault("blobs.path", cfg.Blobs.Path)
	v.SetDefault("blobs.compression", cfg.Blobs.Compression)
	v.SetDefault("blobs.s3.bucket", cfg.Blobs.S3.Bucket)
	v.SetDefault("blobs.s3.prefix", cfg.Blobs.S3.Prefix)
	v.SetDefault("blobs.s3.region", cfg.Blobs.S3.Region)
	v.SetDefault("blobs.s3.endpoint", cfg.Blobs.S3.Endpoint)
	v.SetDefault("blobs.s3.access_key_id", cfg.Blobs.S3.AccessKeyID)
	v.SetDefault("blobs.s3.secret_access_key", cfg.Blobs.S3.SecretAccessKey)
	v.SetDefault("blobs.s3.force_path_style", cfg.Blobs.S3.ForcePathStyle)

	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	v.SetDefault("scheduler.catchup", cfg.Scheduler.Catchup)
	v.SetDefault("scheduler.default_timezone", cfg.Scheduler.DefaultTimezone)
	v.SetDefault("scheduler.claim_backend", cfg.Scheduler.ClaimBackend)
	v.SetDefault("scheduler.redis.addr", cfg.Scheduler.Redis.Addr)
	v.SetDefault("scheduler.redis.password", cfg.Scheduler.Redis.Password)
	v.SetDefault("scheduler.redis.db", cfg.Scheduler.Redis.DB)
	v.SetDefault("scheduler.redis.claim_ttl", cfg.Scheduler.Redis.ClaimTTL)

	v.SetDefault("events.enabled", cfg.Events.Enabled)
	v.SetDefault("events.poll_interval", cfg.Events.PollInterval)
	v.SetDefault("events.batch_size", cfg.Events.BatchSize)
	v.SetDefault("events.retention", cfg.Events.Retention)
	v.SetDefault("events.amqp.enabled", cfg.Events.AMQP.Enabled)
	v.SetDefault("events.amqp.url", cfg.Events.AMQP.URL)
	v.SetDefault("events.amqp.exchange", cfg.Events.AMQP.Exchange)
	v.SetDefault("events.amqp.queue", cfg.Events.AMQP.Queue)
	v.SetDefault("events.amqp.binding_key", cfg.Events.AMQP.BindingKey)
	v.SetDefault("events.amqp.prefetch", cfg.Events.AMQP.Prefetch)
	v.SetDefault("events.webhooks.enabled", cfg.Events.Webhooks.Enabled)
	v.SetDefault("events.webhooks.secret", cfg.Events.Webhooks.Secret)
	v.SetDefault("events.webhooks.algorithm", cfg.Events.Webhooks.Algorithm)
	v.SetDefault("events.webhooks.header", cfg.Events.Webhooks.Header)

	v.SetDefault("executions.retention", cfg.Executions.Retention)
	v.SetDefault("executions.cleanup_interval", cfg.Executions.CleanupInterval)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.caller", cfg.Logging.Caller)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
}

func expandEnvInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envVar := val[2 : len(val)-1]
			if envVal := os.Getenv(envVar); envVal != "" {
				v.Set(key, envVal)
			}
		}
	}
}

func ConfigFilePath(customPath string) (string, error) {
	if customPath != "" {
		absPath, err := filepath.Abs(customPath)
		if err != nil {
			return "", fmt.Errorf("resolving config path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", absPath)
		}
		return absPath, nil
	}

	searchPaths := []string{
		"funcbox.yaml",
		"funcbox.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "funcbox", "funcbox.yaml"),
		"/etc/funcbox/funcbox.yaml",
	}

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}

	return "", ErrConfigNotFound
}
