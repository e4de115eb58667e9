package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration, loaded from loom.yaml with
// LOOM_-prefixed environment overrides.
type Config struct {
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Engine struct {
		MaxWorkers        int           `mapstructure:"max_workers"`
		RetryAttempts     int           `mapstructure:"retry_attempts"`
		RetryDelay        time.Duration `mapstructure:"retry_delay"`
		BranchRetries     int           `mapstructure:"branch_retries"`
		BranchBackoffBase time.Duration `mapstructure:"branch_backoff_base"`
		JoinMaxPolls      int           `mapstructure:"join_max_polls"`
		RateLimit         float64       `mapstructure:"rate_limit"`
		RateBurst         int           `mapstructure:"rate_burst"`
		MaxSteps          int           `mapstructure:"max_steps"`
	} `mapstructure:"engine"`

	Workflows struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"workflows"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Postgres struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Database string `mapstructure:"database"`
		SSLMode  string `mapstructure:"ssl_mode"`
	} `mapstructure:"postgres"`
}

// Load reads the config file at path (optional) merged with defaults
// and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("engine.max_workers", 8)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_delay", time.Second)
	v.SetDefault("engine.branch_retries", 3)
	v.SetDefault("engine.branch_backoff_base", time.Second)
	v.SetDefault("engine.join_max_polls", 30)
	v.SetDefault("engine.max_steps", 10000)

	v.SetDefault("workflows.dir", "./workflows")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")
}
