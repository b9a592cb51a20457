package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration parsed from YAML.
// Secret-bearing values support ${ENV_VAR} expansion so keys never live in
// the config file itself.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Services  ServicesConfig  `yaml:"services"`
	Personas  PersonasConfig  `yaml:"personas"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ProvidersConfig catalogues configured inference back-ends.
type ProvidersConfig struct {
	Groq         ProviderConfig `yaml:"groq"`
	Pollinations ProviderConfig `yaml:"pollinations"`
}

// ProviderConfig captures authentication and routing info for a back-end.
type ProviderConfig struct {
	APIKey      string            `yaml:"api_key"`
	BaseURL     string            `yaml:"base_url"`
	Headers     map[string]string `yaml:"headers"`
	VisionModel string            `yaml:"vision_model"`
}

// ServicesConfig holds the hosted side services the relay calls out to.
type ServicesConfig struct {
	ImageBaseURL  string `yaml:"image_base_url"`
	ImageAPIKey   string `yaml:"image_api_key"`
	SearchURL     string `yaml:"search_url"`
	TranscribeURL string `yaml:"transcribe_url"`
	AudioBaseURL  string `yaml:"audio_base_url"`
	AudioVoice    string `yaml:"audio_voice"`
}

// PersonaConfig describes one selectable persona.
type PersonaConfig struct {
	Backend      string         `yaml:"backend"`
	Model        string         `yaml:"model"`
	Temperature  float64        `yaml:"temperature"`
	MaxTokens    int            `yaml:"max_tokens"`
	SystemPrompt string         `yaml:"system_prompt"`
	HeatPrompts  map[int]string `yaml:"heat_prompts"`
	Greeting     string         `yaml:"greeting"`
	Tools        bool           `yaml:"tools"`
	DailyLimit   int            `yaml:"daily_limit"`
}

// PersonasConfig maps persona IDs to their configuration. VoicePrompt
// replaces the persona prompt on voice-input turns.
type PersonasConfig struct {
	Default     string                   `yaml:"default"`
	VoicePrompt string                   `yaml:"voice_prompt"`
	Profiles    map[string]PersonaConfig `yaml:"profiles"`
}

// RateLimitConfig selects the counter store backing the rate limiter.
type RateLimitConfig struct {
	Store     string `yaml:"store"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
}

// Load reads YAML configuration from disk, expands ${ENV} references and
// validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must not be negative, got %s", c.Server.RequestTimeout)
	}

	providers := map[string]ProviderConfig{
		"groq":         c.Providers.Groq,
		"pollinations": c.Providers.Pollinations,
	}
	for name, provider := range providers {
		if strings.TrimSpace(provider.BaseURL) == "" {
			return fmt.Errorf("provider %s: base_url must be provided", name)
		}
	}

	if len(c.Personas.Profiles) == 0 {
		return fmt.Errorf("personas.profiles must not be empty")
	}
	if c.Personas.Default == "" {
		return fmt.Errorf("personas.default must name a profile")
	}
	if _, ok := c.Personas.Profiles[c.Personas.Default]; !ok {
		return fmt.Errorf("personas.default %q is not a configured profile", c.Personas.Default)
	}

	for id, p := range c.Personas.Profiles {
		if err := validatePersona(id, p, providers); err != nil {
			return err
		}
	}

	switch c.RateLimit.Store {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.RateLimit.RedisAddr) == "" {
			return fmt.Errorf("rate_limit.redis_addr must be provided for the redis store")
		}
	default:
		return fmt.Errorf("rate_limit.store %q must be one of %q or %q", c.RateLimit.Store, "memory", "redis")
	}

	return nil
}

func validatePersona(id string, p PersonaConfig, providers map[string]ProviderConfig) error {
	if _, ok := providers[p.Backend]; !ok {
		return fmt.Errorf("persona %s: backend %q is not a configured provider", id, p.Backend)
	}
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("persona %s: model must be provided", id)
	}
	if p.SystemPrompt == "" && len(p.HeatPrompts) == 0 {
		return fmt.Errorf("persona %s: system_prompt or heat_prompts must be provided", id)
	}
	for level := range p.HeatPrompts {
		if level < 1 || level > 5 {
			return fmt.Errorf("persona %s: heat_prompts level %d outside [1,5]", id, level)
		}
	}
	if p.DailyLimit <= 0 {
		return fmt.Errorf("persona %s: daily_limit must be positive, got %d", id, p.DailyLimit)
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("persona %s: max_tokens must not be negative", id)
	}
	return nil
}
