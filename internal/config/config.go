package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Redis         RedisConfig         `json:"redis"`
	Postgres      PostgresConfig      `json:"postgres"`
	Memory        MemoryConfig        `json:"memory"`
	Communication CommunicationConfig `json:"communication"`
	Retry         RetryConfig         `json:"retry"`
	Providers     []ProviderConfig    `json:"providers"`
	Agents        []AgentConfig       `json:"agents"`
	ProfilesDir   string              `json:"profiles_dir"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	CORSOrigins []string `json:"cors_origins"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type MemoryConfig struct {
	TTLSeconds             int    `json:"ttl_seconds"`
	MaxEntriesPerAgent     int    `json:"max_entries_per_agent"`
	CleanupIntervalSeconds int    `json:"cleanup_interval_seconds"`
	KeyPrefix              string `json:"key_prefix"`
}

func (m MemoryConfig) TTL() time.Duration { return seconds(m.TTLSeconds) }

func (m MemoryConfig) CleanupInterval() time.Duration { return seconds(m.CleanupIntervalSeconds) }

type CommunicationConfig struct {
	Broker                  string `json:"broker"` // redis or local
	HistoryLimit            int    `json:"history_limit"`
	RequestTimeoutSeconds   int    `json:"request_timeout_seconds"`
	BroadcastFanout         int    `json:"broadcast_fanout"`
	SubscribeTimeoutSeconds int    `json:"subscribe_timeout_seconds"`
	LocalQueueSize          int    `json:"local_queue_size"`
}

func (c CommunicationConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }

func (c CommunicationConfig) SubscribeTimeout() time.Duration {
	return seconds(c.SubscribeTimeoutSeconds)
}

type RetryConfig struct {
	Attempts       int     `json:"attempts"`
	InitialSeconds float64 `json:"initial_seconds"`
	MaxSeconds     float64 `json:"max_seconds"`
}

func (r RetryConfig) Initial() time.Duration {
	return time.Duration(r.InitialSeconds * float64(time.Second))
}

func (r RetryConfig) Max() time.Duration {
	return time.Duration(r.MaxSeconds * float64(time.Second))
}

type ProviderConfig struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Default        bool   `json:"default"`
}

type AgentConfig struct {
	ID                   string   `json:"id"`
	Type                 string   `json:"type"`
	Provider             string   `json:"provider"`
	Fallbacks            []string `json:"fallbacks"`
	SystemPrompt         string   `json:"system_prompt"`
	Capabilities         []string `json:"capabilities"`
	QueueSize            int      `json:"queue_size"`
	MaxConcurrent        int      `json:"max_concurrent"`
	TaskTimeoutSeconds   int      `json:"task_timeout_seconds"`
	PickupTimeoutSeconds int      `json:"pickup_timeout_seconds"`
	ShutdownGraceSeconds int      `json:"shutdown_grace_seconds"`
	ResultHistory        int      `json:"result_history"`
	Confidence           float64  `json:"confidence"`
}

func (a AgentConfig) TaskTimeout() time.Duration   { return seconds(a.TaskTimeoutSeconds) }
func (a AgentConfig) PickupTimeout() time.Duration { return seconds(a.PickupTimeoutSeconds) }
func (a AgentConfig) ShutdownGrace() time.Duration { return seconds(a.ShutdownGraceSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON config. See Load.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}

	m := &c.Memory
	if m.TTLSeconds == 0 {
		m.TTLSeconds = 3600
	}
	if m.MaxEntriesPerAgent == 0 {
		m.MaxEntriesPerAgent = 1000
	}
	if m.CleanupIntervalSeconds == 0 {
		m.CleanupIntervalSeconds = 300
	}

	cc := &c.Communication
	if cc.Broker == "" {
		cc.Broker = "redis"
	}
	if cc.HistoryLimit == 0 {
		cc.HistoryLimit = 1000
	}
	if cc.RequestTimeoutSeconds == 0 {
		cc.RequestTimeoutSeconds = 30
	}
	if cc.BroadcastFanout == 0 {
		cc.BroadcastFanout = 16
	}
	if cc.SubscribeTimeoutSeconds == 0 {
		cc.SubscribeTimeoutSeconds = 5
	}
	if cc.LocalQueueSize == 0 {
		cc.LocalQueueSize = 1024
	}

	r := &c.Retry
	if r.Attempts == 0 {
		r.Attempts = 3
	}
	if r.InitialSeconds == 0 {
		r.InitialSeconds = 4
	}
	if r.MaxSeconds == 0 {
		r.MaxSeconds = 10
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Type == "" {
			a.Type = "generative"
		}
		if a.QueueSize == 0 {
			a.QueueSize = 100
		}
		if a.PickupTimeoutSeconds == 0 {
			a.PickupTimeoutSeconds = 5
		}
		if a.ShutdownGraceSeconds == 0 {
			a.ShutdownGraceSeconds = 30
		}
		if a.ResultHistory == 0 {
			a.ResultHistory = 1000
		}
		if a.Confidence == 0 {
			a.Confidence = 0.8
		}
	}
}

// Validate reports every inconsistency in c.
func (c *Config) Validate() error {
	var errs []error
	switch c.Communication.Broker {
	case "redis", "local":
	default:
		errs = append(errs, fmt.Errorf("communication.broker %q: want redis or local", c.Communication.Broker))
	}
	if c.Retry.MaxSeconds < c.Retry.InitialSeconds {
		errs = append(errs, fmt.Errorf("retry.max_seconds %.1f is below initial_seconds %.1f", c.Retry.MaxSeconds, c.Retry.InitialSeconds))
	}

	providers := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
			continue
		}
		if providers[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		providers[p.ID] = true
		switch p.Type {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type))
		}
	}

	agents := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
			continue
		}
		if agents[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		agents[a.ID] = true
		for _, ref := range append([]string{a.Provider}, a.Fallbacks...) {
			if ref != "" && !providers[ref] {
				errs = append(errs, fmt.Errorf("agent %s: unknown provider %q", a.ID, ref))
			}
		}
		if a.Confidence < 0 || a.Confidence > 1 {
			errs = append(errs, fmt.Errorf("agent %s: confidence %.2f outside [0,1]", a.ID, a.Confidence))
		}
	}
	return errors.Join(errs...)
}
