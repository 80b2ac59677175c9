// Package config loads engine configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"` // empty selects the in-memory store
	} `yaml:"database"`
	Redis struct {
		URL           string `yaml:"url"`
		HotTTLSeconds int    `yaml:"hot_ttl_seconds"`
	} `yaml:"redis"`
	Supply struct {
		MaxSupply string `yaml:"max_supply"` // decimal string
	} `yaml:"supply"`
	Clicks struct {
		MaxPerSecond  int64 `yaml:"max_per_second"`
		PeriodSeconds int64 `yaml:"period_seconds"`
	} `yaml:"clicks"`
	Reconcile struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"reconcile"`
	Lottery struct {
		ItemsFile string `yaml:"items_file"`
		Workers   int    `yaml:"workers"`
	} `yaml:"lottery"`
	Leaderboard struct {
		Size int `yaml:"size"`
	} `yaml:"leaderboard"`
	Schedule struct {
		SupplyCron      string `yaml:"supply_cron"`
		ReconcileCron   string `yaml:"reconcile_cron"`
		FlushCron       string `yaml:"flush_cron"`
		LeaderboardCron string `yaml:"leaderboard_cron"`
	} `yaml:"schedule"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	envString("PORT", &cfg.Server.Port)
	envString("DATABASE_URL", &cfg.Database.URL)
	envString("REDIS_URL", &cfg.Redis.URL)
	envString("MAX_SUPPLY", &cfg.Supply.MaxSupply)
	envString("ITEMS_FILE", &cfg.Lottery.ItemsFile)
	envString("CRON_SUPPLY", &cfg.Schedule.SupplyCron)
	envString("CRON_RECONCILE", &cfg.Schedule.ReconcileCron)
	envString("CRON_FLUSH", &cfg.Schedule.FlushCron)
	envString("CRON_LEADERBOARD", &cfg.Schedule.LeaderboardCron)
	if err := envInt64("MAX_CLICKS_PER_SECOND", &cfg.Clicks.MaxPerSecond); err != nil {
		return nil, err
	}
	if err := envInt64("CLICK_PERIOD_SECONDS", &cfg.Clicks.PeriodSeconds); err != nil {
		return nil, err
	}
	if err := envInt("RECONCILE_BATCH_SIZE", &cfg.Reconcile.BatchSize); err != nil {
		return nil, err
	}
	if err := envInt("HOT_TTL_SECONDS", &cfg.Redis.HotTTLSeconds); err != nil {
		return nil, err
	}
	if err := envInt("LOTTERY_WORKERS", &cfg.Lottery.Workers); err != nil {
		return nil, err
	}
	if err := envInt("LEADERBOARD_SIZE", &cfg.Leaderboard.Size); err != nil {
		return nil, err
	}

	// Defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Redis.HotTTLSeconds == 0 {
		cfg.Redis.HotTTLSeconds = 3600
	}
	if cfg.Clicks.MaxPerSecond == 0 {
		cfg.Clicks.MaxPerSecond = 20
	}
	if cfg.Clicks.PeriodSeconds == 0 {
		cfg.Clicks.PeriodSeconds = 5
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = 100
	}
	if cfg.Lottery.ItemsFile == "" {
		cfg.Lottery.ItemsFile = "configs/items.yaml"
	}
	if cfg.Lottery.Workers == 0 {
		cfg.Lottery.Workers = 8
	}
	if cfg.Leaderboard.Size == 0 {
		cfg.Leaderboard.Size = 100
	}
	if cfg.Schedule.SupplyCron == "" {
		cfg.Schedule.SupplyCron = "0 0 * * * *"
	}
	if cfg.Schedule.ReconcileCron == "" {
		cfg.Schedule.ReconcileCron = "*/5 * * * * *"
	}
	if cfg.Schedule.FlushCron == "" {
		cfg.Schedule.FlushCron = "0 * * * * *"
	}
	if cfg.Schedule.LeaderboardCron == "" {
		cfg.Schedule.LeaderboardCron = "*/10 * * * * *"
	}

	return cfg, nil
}

// Validate checks that all required fields are set and in range.
func (c *Config) Validate() error {
	max, err := c.MaxSupply()
	if err != nil {
		return err
	}
	if !max.IsPositive() {
		return fmt.Errorf("supply.max_supply must be positive")
	}
	if c.Clicks.MaxPerSecond <= 0 {
		return fmt.Errorf("clicks.max_per_second must be positive")
	}
	if c.Clicks.PeriodSeconds <= 0 {
		return fmt.Errorf("clicks.period_seconds must be positive")
	}
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("reconcile.batch_size must be positive")
	}
	if c.Redis.HotTTLSeconds <= 0 {
		return fmt.Errorf("redis.hot_ttl_seconds must be positive")
	}
	if c.Lottery.Workers <= 0 {
		return fmt.Errorf("lottery.workers must be positive")
	}
	if c.Leaderboard.Size <= 0 {
		return fmt.Errorf("leaderboard.size must be positive")
	}
	return nil
}

// MaxSupply parses the supply cap.
func (c *Config) MaxSupply() (decimal.Decimal, error) {
	if c.Supply.MaxSupply == "" {
		return decimal.Zero, fmt.Errorf("supply.max_supply is required")
	}
	v, err := decimal.NewFromString(c.Supply.MaxSupply)
	if err != nil {
		return decimal.Zero, fmt.Errorf("supply.max_supply: %w", err)
	}
	return v, nil
}

// HotTTL is the expiry of hot records without a passive rate.
func (c *Config) HotTTL() time.Duration {
	return time.Duration(c.Redis.HotTTLSeconds) * time.Second
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = n
	return nil
}
