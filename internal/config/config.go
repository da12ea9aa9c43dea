// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	AllowedOrigins []string
	Provider       ProviderConfig
}

// ProviderConfig enumerates completion backends and default model choices.
type ProviderConfig struct {
	// Backends lists completion endpoints; the first entry is the default.
	Backends []Backend
	// DefaultModel serves requests whose last message carries no model tag.
	DefaultModel string
	// NameModel is the lightweight model used for conversation titles.
	NameModel string
}

// Backend is one named completion endpoint. Models lists the model ids
// routed to this backend instead of the default.
type Backend struct {
	Name    string
	APIKey  string
	BaseURL string
	Models  []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/conversations.db"),
		AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		Provider: ProviderConfig{
			DefaultModel: getEnv("DEFAULT_MODEL", "gpt-4o"),
			NameModel:    getEnv("NAME_MODEL", "gpt-4o-mini"),
			Backends: []Backend{
				{
					Name:    "openai",
					APIKey:  getEnv("OPENAI_API_KEY", ""),
					BaseURL: getEnv("OPENAI_API_BASE", ""),
				},
			},
		},
	}

	// Optional alternate backend for OpenAI-compatible endpoints
	// (DeepSeek, self-hosted servers). Model ids listed in DEEPSEEK_MODELS
	// are routed there; everything else stays on the default backend.
	if key := getEnv("DEEPSEEK_API_KEY", ""); key != "" {
		cfg.Provider.Backends = append(cfg.Provider.Backends, Backend{
			Name:    "deepseek",
			APIKey:  key,
			BaseURL: getEnv("DEEPSEEK_API_BASE", "https://api.deepseek.com/v1"),
			Models:  splitList(getEnv("DEEPSEEK_MODELS", "deepseek-chat")),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.Provider.Backends) == 0 {
		return fmt.Errorf("no completion backends configured")
	}
	for _, backend := range c.Provider.Backends {
		if backend.APIKey == "" {
			return fmt.Errorf("%s backend: API key cannot be empty", backend.Name)
		}
	}
	if c.Provider.DefaultModel == "" {
		return fmt.Errorf("DEFAULT_MODEL cannot be empty")
	}
	if c.Provider.NameModel == "" {
		return fmt.Errorf("NAME_MODEL cannot be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
