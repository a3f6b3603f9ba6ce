/*
config.go - Process configuration

SOURCES (later wins):
  1. Defaults (SetDefault)
  2. YAML file (-config flag, or ./config.yaml when present)
  3. Environment, prefixed POINTS_ with dots replaced by underscores:
     POINTS_SERVER_PORT, POINTS_LEDGER_HOLDS_EARNED_REFERRAL, ...

EXAMPLE:
  server:
    port: 8080
  database:
    path: points.db
  ledger:
    lock_timeout: 2s
    holds:
      earned_referral: 168h
  redis:
    addr: localhost:6379
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/loyalty-ledger/ledger"
)

const EnvPrefix = "POINTS"

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Ledger   LedgerConfig
	Sweep    SweepConfig
	Redis    RedisConfig
	Tracing  TracingConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

type DatabaseConfig struct {
	Path string
}

type LedgerConfig struct {
	LockTimeout          time.Duration
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	Holds                ledger.HoldPolicy
}

type SweepConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// RedisConfig enables the cross-process lock when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// TracingConfig enables the jaeger exporter when Endpoint is set.
type TracingConfig struct {
	Endpoint    string
	ServiceName string
	SampleRatio float64
}

type LogConfig struct {
	Level  string
	Format string
}

// earnTypes are the keys accepted under ledger.holds.
var earnTypes = []ledger.TransactionType{
	ledger.TypeEarnedService,
	ledger.TypeEarnedReferral,
	ledger.TypeInfluencerBonus,
}

func setDefaults(v *viper.Viper) {
	ledgerDefaults := ledger.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("database.path", "points.db")

	v.SetDefault("ledger.lock_timeout", ledgerDefaults.LockTimeout)
	v.SetDefault("ledger.max_attempts", ledgerDefaults.MaxAttempts)
	v.SetDefault("ledger.retry_initial_interval", ledgerDefaults.RetryInitialInterval)
	v.SetDefault("ledger.retry_max_interval", ledgerDefaults.RetryMaxInterval)
	for _, t := range earnTypes {
		v.SetDefault("ledger.holds."+string(t), ledgerDefaults.Holds.For(t))
	}

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("sweep.batch_size", 100)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 10*time.Second)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "loyalty-ledger")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path. An empty path looks for an optional
// config.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetInt("server.port"),
			CORSOrigins: v.GetStringSlice("server.cors_origins"),
		},
		Database: DatabaseConfig{Path: v.GetString("database.path")},
		Ledger: LedgerConfig{
			LockTimeout:          v.GetDuration("ledger.lock_timeout"),
			MaxAttempts:          v.GetInt("ledger.max_attempts"),
			RetryInitialInterval: v.GetDuration("ledger.retry_initial_interval"),
			RetryMaxInterval:     v.GetDuration("ledger.retry_max_interval"),
			Holds:                ledger.HoldPolicy{},
		},
		Sweep: SweepConfig{
			Enabled:   v.GetBool("sweep.enabled"),
			Interval:  v.GetDuration("sweep.interval"),
			BatchSize: v.GetInt("sweep.batch_size"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Tracing: TracingConfig{
			Endpoint:    v.GetString("tracing.endpoint"),
			ServiceName: v.GetString("tracing.service_name"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
	for _, t := range earnTypes {
		if d := v.GetDuration("ledger.holds." + string(t)); d != 0 {
			cfg.Ledger.Holds[t] = d
		}
	}

	// Unknown hold keys are typos, not silently ignored types.
	for key := range v.GetStringMap("ledger.holds") {
		t, err := ledger.ParseTransactionType(key)
		if err != nil {
			return nil, fmt.Errorf("ledger.holds: %w", err)
		}
		if !t.IsEarn() {
			return nil, fmt.Errorf("ledger.holds: %w: %q is not an earn type", ledger.ErrUnknownType, key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("ledger.max_attempts must be at least 1, got %d", c.Ledger.MaxAttempts)
	}
	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger.lock_timeout must be positive, got %s", c.Ledger.LockTimeout)
	}
	if err := c.Ledger.Holds.Validate(); err != nil {
		return fmt.Errorf("ledger.holds: %w", err)
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive, got %s", c.Sweep.Interval)
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= c.Ledger.LockTimeout {
		return fmt.Errorf("redis.lock_ttl (%s) must exceed ledger.lock_timeout (%s)", c.Redis.LockTTL, c.Ledger.LockTimeout)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LedgerConfig converts to the engine's configuration.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		LockTimeout:          c.Ledger.LockTimeout,
		MaxAttempts:          c.Ledger.MaxAttempts,
		RetryInitialInterval: c.Ledger.RetryInitialInterval,
		RetryMaxInterval:     c.Ledger.RetryMaxInterval,
		Holds:                c.Ledger.Holds,
	}
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
