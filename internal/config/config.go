// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AIConfig struct {
	OpenRouterKey     string  `yaml:"openrouter_key"`
	OpenRouterBaseURL string  `yaml:"openrouter_base_url"`
	OpenAIKey         string  `yaml:"openai_key"`
	GeminiKey         string  `yaml:"gemini_key"`
	GeminiURL         string  `yaml:"gemini_url"`
	DefaultModel      string  `yaml:"default_model"`
	DefaultTemp       float32 `yaml:"default_temperature"`
	ConcurrentLimit   int     `yaml:"concurrent_limit"` // max concurrent calls per provider
	RatePerMinute     int     `yaml:"rate_per_minute"`  // provider call budget, 0 disables
}

// LimitsConfig sets the admission ceilings. Per-task-type ceilings fall back
// to per_task_default for types not listed.
type LimitsConfig struct {
	Global         int            `yaml:"global"`
	PerSession     int            `yaml:"per_session"`
	PerTaskDefault int            `yaml:"per_task_default"`
	PerTaskType    map[string]int `yaml:"per_task_type"`
}

type SchedulerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	BatchSize      int           `yaml:"batch_size"`
}

type OpsConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
	APIKey    string `yaml:"api_key"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AI        AIConfig        `yaml:"ai"`
	Limits    LimitsConfig    `yaml:"limits"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ops       OpsConfig       `yaml:"ops"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if !dev && cfg.AI.OpenRouterKey == "" && cfg.AI.OpenAIKey == "" && cfg.AI.GeminiKey == "" {
		return nil, errors.New("at least one ai provider key is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "openai/gpt-4o-mini"
	}
	if cfg.AI.DefaultTemp <= 0 {
		cfg.AI.DefaultTemp = 0.7
	}
	if cfg.AI.OpenRouterBaseURL == "" {
		cfg.AI.OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Limits.Global <= 0 {
		cfg.Limits.Global = 10
	}
	if cfg.Limits.PerSession <= 0 {
		cfg.Limits.PerSession = 4
	}
	if cfg.Limits.PerTaskDefault <= 0 {
		cfg.Limits.PerTaskDefault = 3
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = 500 * time.Millisecond
	}
	if cfg.Scheduler.JobTimeout <= 0 {
		cfg.Scheduler.JobTimeout = 5 * time.Minute
	}
	if cfg.Scheduler.StaleThreshold <= 0 {
		cfg.Scheduler.StaleThreshold = 10 * time.Minute
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = 8
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}
	if cfg.Ops.Port <= 0 {
		cfg.Ops.Port = 8080
	}
}
