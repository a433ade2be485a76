// Package config loads the typed application configuration: a YAML
// file for tunables and environment variables (optionally via .env)
// for secrets. Every field has an explicit default; nothing is looked
// up dynamically at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPersona keeps replies short enough for the radio link.
const DefaultPersona = "You are a helpful and friendly assistant on a mesh radio network. " +
	"Keep responses concise and relevant to the conversation. " +
	"Use natural, conversational language. " +
	"Never mention that you are an AI or following a prompt. " +
	"Limit responses to 195 characters due to network constraints."

// Config is the complete application configuration.
type Config struct {
	Mesh       MeshConfig       `yaml:"mesh"`
	Connection ConnectionConfig `yaml:"connection"`
	AI         AIConfig         `yaml:"ai"`
	Response   ResponseConfig   `yaml:"response"`
	History    HistoryConfig    `yaml:"history"`
	Storage    StorageConfig    `yaml:"storage"`
	Web        WebConfig        `yaml:"web"`
}

// MeshConfig locates the mesh gateway.
type MeshConfig struct {
	// Network is "tcp" or "unix".
	Network string `yaml:"network"`
	// Address is a host:port or socket path.
	Address string `yaml:"address"`
	// ActiveChannelIndex is the broadcast channel the persona posts on.
	ActiveChannelIndex int `yaml:"active_channel_index"`
}

// ConnectionConfig tunes reconnection and health monitoring.
type ConnectionConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	BaseRetryDelaySec float64 `yaml:"base_retry_delay_s"`
	MaxRetryDelaySec  float64 `yaml:"max_retry_delay_s"`
	CheckIntervalSec  float64 `yaml:"check_interval_s"`
}

// AIConfig selects the model and persona. The API key comes from the
// GEMINI_API_KEY environment variable, never from the YAML file.
type AIConfig struct {
	Model              string `yaml:"model"`
	Persona            string `yaml:"persona"`
	TriageEnabled      bool   `yaml:"triage_enabled"`
	TriageContextCount int    `yaml:"triage_context_count"`

	APIKey string `yaml:"-"`
}

// ResponseConfig tunes when and how fast the persona replies.
type ResponseConfig struct {
	Probability   float64 `yaml:"probability"`
	MinDelaySec   float64 `yaml:"min_delay_s"`
	MaxDelaySec   float64 `yaml:"max_delay_s"`
	CooldownSec   float64 `yaml:"cooldown_s"`
	WorkerTimeout float64 `yaml:"worker_timeout_s"`
	MaxWorkers    int     `yaml:"max_workers"`
}

// HistoryConfig tunes the context window.
type HistoryConfig struct {
	MaxContextMessages       int `yaml:"max_context_messages"`
	SummarizeThresholdTokens int `yaml:"summarize_threshold_tokens"`
	SummarizeFloorMessages   int `yaml:"summarize_floor_messages"`
	KeepRecentMessages       int `yaml:"keep_recent_messages"`
	SummaryMaxLength         int `yaml:"summary_max_length"`
}

// StorageConfig locates the conversation logs.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// WebConfig toggles the headless-browser URL lookup.
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the fully-populated default configuration.
func Default() Config {
	return Config{
		Mesh: MeshConfig{
			Network:            "tcp",
			Address:            "127.0.0.1:4403",
			ActiveChannelIndex: 0,
		},
		Connection: ConnectionConfig{
			MaxRetries:        5,
			BaseRetryDelaySec: 1,
			MaxRetryDelaySec:  30,
			CheckIntervalSec:  1,
		},
		AI: AIConfig{
			Model:              "gemini-2.0-flash",
			Persona:            DefaultPersona,
			TriageEnabled:      false,
			TriageContextCount: 3,
		},
		Response: ResponseConfig{
			Probability:   0.85,
			MinDelaySec:   2,
			MaxDelaySec:   8,
			CooldownSec:   60,
			WorkerTimeout: 120,
			MaxWorkers:    4,
		},
		History: HistoryConfig{
			MaxContextMessages:       10,
			SummarizeThresholdTokens: 1000,
			SummarizeFloorMessages:   5,
			KeepRecentMessages:       3,
			SummaryMaxLength:         100,
		},
		Storage: StorageConfig{
			Dir: "conversations",
		},
		Web: WebConfig{
			Enabled: false,
		},
	}
}

// Load reads the YAML file at path over the defaults and pulls secrets
// from the environment (a .env file is honored when present). A
// missing config file is not an error; missing secrets are.
func Load(path string) (Config, error) {
	// Best effort; absence of a .env file is normal.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.AI.APIKey = os.Getenv("GEMINI_API_KEY")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Mesh.Network != "tcp" && c.Mesh.Network != "unix" {
		return fmt.Errorf("mesh.network must be tcp or unix, got %q", c.Mesh.Network)
	}
	if c.Mesh.Address == "" {
		return fmt.Errorf("mesh.address is required")
	}
	if c.Response.Probability < 0 || c.Response.Probability > 1 {
		return fmt.Errorf("response.probability must be in [0,1], got %v", c.Response.Probability)
	}
	if c.Response.MaxDelaySec < c.Response.MinDelaySec {
		return fmt.Errorf("response.max_delay_s must be >= min_delay_s")
	}
	if c.Connection.MaxRetries <= 0 {
		return fmt.Errorf("connection.max_retries must be positive")
	}
	if c.History.KeepRecentMessages < 0 || c.History.SummarizeFloorMessages < 0 {
		return fmt.Errorf("history counts must be non-negative")
	}
	return nil
}

// Duration helpers; YAML carries plain seconds.

// BaseRetryDelay returns the backoff base as a duration.
func (c ConnectionConfig) BaseRetryDelay() time.Duration {
	return secondsToDuration(c.BaseRetryDelaySec)
}

// MaxRetryDelay returns the backoff cap as a duration.
func (c ConnectionConfig) MaxRetryDelay() time.Duration {
	return secondsToDuration(c.MaxRetryDelaySec)
}

// CheckInterval returns the health monitor interval as a duration.
func (c ConnectionConfig) CheckInterval() time.Duration {
	return secondsToDuration(c.CheckIntervalSec)
}

// MinDelay returns the minimum human-like pause.
func (r ResponseConfig) MinDelay() time.Duration {
	return secondsToDuration(r.MinDelaySec)
}

// MaxDelay returns the maximum human-like pause.
func (r ResponseConfig) MaxDelay() time.Duration {
	return secondsToDuration(r.MaxDelaySec)
}

// Cooldown returns the per-conversation reply cooldown.
func (r ResponseConfig) Cooldown() time.Duration {
	return secondsToDuration(r.CooldownSec)
}

// WorkerTimeoutDuration bounds one dispatch worker.
func (r ResponseConfig) WorkerTimeoutDuration() time.Duration {
	return secondsToDuration(r.WorkerTimeout)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
