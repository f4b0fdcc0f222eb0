package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"ojexec/internal/common/cache"
	"ojexec/internal/common/db"
	"ojexec/internal/common/http/middleware"
	"ojexec/internal/common/mq"
	"ojexec/internal/executor/queue"
	"ojexec/internal/executor/ratelimit"
	"ojexec/internal/executor/repository"
	"ojexec/internal/executor/sandbox"
	"ojexec/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:3001"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultVerdictTTL      = time.Hour
	defaultRedisAddr       = "127.0.0.1:6379"

	runnerDocker  = "docker"
	runnerProcess = "process"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	StreamInterval  time.Duration `yaml:"streamInterval"`
}

// VerdictConfig holds where final verdicts go.
type VerdictConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
	// Archive enables the MySQL archive; it needs database.dsn.
	Archive bool `yaml:"archive"`
}

// QueueConfig holds job queue settings; Queues overrides the defaults per queue.
type QueueConfig struct {
	KeyPrefix string                   `yaml:"keyPrefix"`
	Queues    map[string]queue.Options `yaml:"queues"`
}

// SandboxConfig holds sandbox runner settings.
type SandboxConfig struct {
	Runner     string                 `yaml:"runner"`
	PullImages bool                   `yaml:"pullImages"`
	Executor   sandbox.Config         `yaml:"executor"`
	Process    sandbox.ProcessConfig  `yaml:"process"`
	Languages  []sandbox.LanguageSpec `yaml:"languages"`
}

// TrackerConfig holds submission tracker settings.
type TrackerConfig struct {
	MaxAge        time.Duration `yaml:"maxAge"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// AppConfig holds the executor service config.
type AppConfig struct {
	Server    ServerConfig          `yaml:"server"`
	Logger    logger.Config         `yaml:"logger"`
	Redis     cache.RedisConfig     `yaml:"redis"`
	Kafka     mq.KafkaConfig        `yaml:"kafka"`
	Database  db.MySQLConfig        `yaml:"database"`
	CORS      middleware.CORSConfig `yaml:"cors"`
	Verdict   VerdictConfig         `yaml:"verdict"`
	Queue     QueueConfig           `yaml:"queue"`
	RateLimit ratelimit.Config      `yaml:"rateLimit"`
	Sandbox   SandboxConfig         `yaml:"sandbox"`
	Tracker   TrackerConfig         `yaml:"tracker"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the yaml file, then the env file, then applies
// OJEXEC_* environment overrides and defaults. A missing file of either kind
// is not an error.
func loadAppConfig(path, envFile string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file failed: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	switch cfg.Sandbox.Runner {
	case runnerDocker, runnerProcess:
	default:
		return nil, fmt.Errorf("unknown sandbox runner %q", cfg.Sandbox.Runner)
	}
	if cfg.Verdict.Archive && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required when the verdict archive is enabled")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("OJEXEC_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OJEXEC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("OJEXEC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("OJEXEC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("OJEXEC_MYSQL_DSN"); v != "" {
		cfg.Database.DSN = v
		cfg.Verdict.Archive = true
	}
	if v := os.Getenv("OJEXEC_SANDBOX_RUNNER"); v != "" {
		cfg.Sandbox.Runner = strings.ToLower(v)
	}
	if v := os.Getenv("OJEXEC_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaultRedisAddr
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Verdict.TTL == 0 {
		cfg.Verdict.TTL = defaultVerdictTTL
	}
	if cfg.Verdict.Topic == "" {
		cfg.Verdict.Topic = repository.DefaultVerdictTopic
	}
	if cfg.Sandbox.Runner == "" {
		cfg.Sandbox.Runner = runnerDocker
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
