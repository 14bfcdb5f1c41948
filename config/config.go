// Package config loads runtime configuration for the chat core. Values come
// from an optional YAML file with environment variable overrides for
// credentials; zero values fall back to defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration document.
	Config struct {
		// Providers holds vendor credentials and default models.
		Providers Providers `yaml:"providers"`
		// Limits bounds the orchestration loop and tool payloads.
		Limits Limits `yaml:"limits"`
		// Reasoning sets defaults for reasoning-capable models.
		Reasoning Reasoning `yaml:"reasoning"`
		// Mongo configures conversation persistence. Empty URI selects the
		// in-memory store.
		Mongo Mongo `yaml:"mongo"`
		// Redis configures stream fan-out and the shared rate limit budget.
		// Empty address disables both.
		Redis Redis `yaml:"redis"`
	}

	// Providers holds per-vendor settings. API keys resolve from the
	// environment when empty so keys stay out of config files.
	Providers struct {
		OpenAIAPIKey    string `yaml:"openai_api_key"`
		AnthropicAPIKey string `yaml:"anthropic_api_key"`
		DefaultModel    string `yaml:"default_model"`
		// AnthropicMaxTokens is the completion cap for Anthropic requests,
		// which require one.
		AnthropicMaxTokens int `yaml:"anthropic_max_tokens"`
	}

	// Limits bounds loop iterations and tool output payload sizes.
	Limits struct {
		// MaxIterations caps provider round trips within one user turn.
		// Hitting the cap finalizes the turn normally rather than erroring.
		MaxIterations int `yaml:"max_iterations"`
		// ChatToolOutputCap caps stringified tool outputs on the Chat
		// Completions surface, in bytes.
		ChatToolOutputCap int `yaml:"chat_tool_output_cap"`
		// ResponsesToolOutputCap caps stringified tool outputs on the
		// Responses surface, in bytes.
		ResponsesToolOutputCap int `yaml:"responses_tool_output_cap"`
		// RateLimitTPM is the initial tokens-per-minute budget for the
		// adaptive limiter. Zero disables rate limiting.
		RateLimitTPM float64 `yaml:"rate_limit_tpm"`
		// RateLimitMaxTPM caps the budget the limiter can probe up to.
		RateLimitMaxTPM float64 `yaml:"rate_limit_max_tpm"`
	}

	// Reasoning sets effort and summary defaults for the Responses surface.
	Reasoning struct {
		Effort  string `yaml:"effort"`
		Summary string `yaml:"summary"`
	}

	// Mongo configures the persistence layer.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Redis configures pub/sub fan-out and shared limiter state.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}
)

// Default limit values applied when the document leaves them zero.
const (
	DefaultMaxIterations          = 30
	DefaultChatToolOutputCap      = 30000
	DefaultResponsesToolOutputCap = 50000
	DefaultReasoningEffort        = "medium"
	DefaultReasoningSummary       = "auto"
	DefaultMongoDatabase          = "budchat"
)

// Default returns the configuration used when no file is provided.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads path, decodes it as YAML and applies defaults and environment
// overrides. An empty path returns Default with environment overrides.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyDefaults()
	c.applyEnv()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Limits.MaxIterations <= 0 {
		c.Limits.MaxIterations = DefaultMaxIterations
	}
	if c.Limits.ChatToolOutputCap <= 0 {
		c.Limits.ChatToolOutputCap = DefaultChatToolOutputCap
	}
	if c.Limits.ResponsesToolOutputCap <= 0 {
		c.Limits.ResponsesToolOutputCap = DefaultResponsesToolOutputCap
	}
	if c.Reasoning.Effort == "" {
		c.Reasoning.Effort = DefaultReasoningEffort
	}
	if c.Reasoning.Summary == "" {
		c.Reasoning.Summary = DefaultReasoningSummary
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = DefaultMongoDatabase
	}
	if c.Providers.AnthropicMaxTokens <= 0 {
		c.Providers.AnthropicMaxTokens = 4096
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.AnthropicAPIKey = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// ToolOutputCapFor returns the configured cap for the given provider
// surface name.
func (l Limits) ToolOutputCapFor(surface string) int {
	if surface == "openai-responses" {
		return l.ResponsesToolOutputCap
	}
	return l.ChatToolOutputCap
}
