// Package config loads the arbiter service configuration.
// Precedence: defaults, then YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/llm"
	"github.com/arbiterhq/arbiter/sampler"
	"github.com/arbiterhq/arbiter/scorer"
	"github.com/arbiterhq/arbiter/sink"
	"github.com/arbiterhq/arbiter/stream"
)

// Config is the complete service configuration.
type Config struct {
	// Redis connection shared by all streams.
	Redis RedisConfig `yaml:"redis"`

	// Log settings.
	Log LogConfig `yaml:"log"`

	// Metrics endpoint settings.
	Metrics MetricsConfig `yaml:"metrics"`

	// Backend base URL for rule lookups.
	Backend BackendConfig `yaml:"backend"`

	// Judge model client.
	Judge JudgeConfig `yaml:"judge"`

	// External Python evaluator runtime.
	PythonRuntime scorer.PythonRuntimeConfig `yaml:"python_runtime"`

	// Score sink endpoint.
	Sink sink.Config `yaml:"sink"`

	// Sampler and its records-created stream.
	Sampler sampler.Config `yaml:"sampler"`

	// Per-evaluator-type scoring streams.
	Streams StreamsConfig `yaml:"streams"`

	// Name of the Redis stream receiving user-facing evaluation logs.
	UserLogStream string `yaml:"user_log_stream"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// LogConfig configures the operator logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Development switches to console encoding.
	Development bool `yaml:"development"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// BackendConfig locates the resource backend consulted for rules.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// JudgeConfig wraps the judge client settings with the output mode.
type JudgeConfig struct {
	llm.Config `yaml:",inline"`

	// Mode: "structured" or "instruction".
	Mode scorer.OutputMode `yaml:"mode"`
}

// StreamsConfig holds one stream configuration per evaluator type.
type StreamsConfig struct {
	LLMAsJudge   stream.Config `yaml:"llm_as_judge"`
	PythonMetric stream.Config `yaml:"python_metric"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
		},
		Judge: JudgeConfig{
			Config: llm.DefaultConfig(),
			Mode:   scorer.ModeStructured,
		},
		Sampler: sampler.DefaultConfig(),
		Streams: StreamsConfig{
			LLMAsJudge:   stream.DefaultConfig("llm-as-judge-stream", "llm-as-judge-scorers"),
			PythonMetric: stream.DefaultConfig("user-defined-metric-python-stream", "python-metric-scorers"),
		},
		UserLogStream: "evaluation-user-log",
	}
}

// Load reads the configuration file, if any, over the defaults and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides the secrets and endpoints that deployments typically
// inject through the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARBITER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ARBITER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ARBITER_JUDGE_API_KEY"); v != "" {
		cfg.Judge.APIKey = v
	}
	if v := os.Getenv("ARBITER_JUDGE_BASE_URL"); v != "" {
		cfg.Judge.BaseURL = v
	}
	if v := os.Getenv("ARBITER_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("ARBITER_SINK_URL"); v != "" {
		cfg.Sink.URL = v
	}
	if v := os.Getenv("ARBITER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks cross-cutting settings; per-stream settings validate in
// their own packages.
func (c Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}
	if err := c.Sampler.Stream.Validate(); err != nil {
		return fmt.Errorf("config: sampler: %w", err)
	}
	if err := c.Streams.LLMAsJudge.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Streams.PythonMetric.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Judge.Mode {
	case scorer.ModeStructured, scorer.ModeInstruction:
	default:
		return fmt.Errorf("config: unknown judge output mode %q", c.Judge.Mode)
	}
	return nil
}
