// Package config loads gateway configuration from the environment and an
// optional YAML provider file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderConfig defines one upstream provider.
type ProviderConfig struct {
	ID           string            `yaml:"id"`
	Kind         string            `yaml:"kind"`
	APIKey       string            `yaml:"api_key"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	BaseURL      string            `yaml:"base_url"`
	DefaultModel string            `yaml:"default_model"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
	MaxRetries   int               `yaml:"max_retries"`
}

// Config is the resolved gateway configuration.
type Config struct {
	Port               int
	DBURL              string
	PersistTranscripts bool
	JWTSecret          string
	RateMax            int64
	RateWindowSec      int
	MaxToolIterations  int
	ToolConcurrency    int
	ProvidersFile      string
	Providers          []ProviderConfig
}

// RateWindow returns the rate limit window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSec) * time.Second
}

// Load reads .env (when present), then the process environment, then the
// provider file named by PROVIDERS_FILE. Providers defined purely through
// environment keys are appended when the file defines none.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               envInt("PORT", 8080),
		DBURL:              envStr("DB_URL", "relay.db"),
		PersistTranscripts: envBool("PERSIST_TRANSCRIPTS", true),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		RateMax:            int64(envInt("RATE_MAX", 0)),
		RateWindowSec:      envInt("RATE_WINDOW_SEC", 60),
		MaxToolIterations:  envInt("MAX_TOOL_ITERATIONS", 10),
		ToolConcurrency:    envInt("TOOL_CONCURRENCY", 4),
		ProvidersFile:      os.Getenv("PROVIDERS_FILE"),
	}

	if cfg.ProvidersFile != "" {
		providers, err := LoadProvidersFile(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.Providers = providers
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = providersFromEnv()
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured: set PROVIDERS_FILE or a provider API key")
	}
	return cfg, nil
}

// LoadProvidersFile parses a YAML provider list and resolves api_key_env
// references against the environment.
func LoadProvidersFile(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider file: %w", err)
	}

	var doc struct {
		Providers []ProviderConfig `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse provider file %s: %w", path, err)
	}

	for i := range doc.Providers {
		p := &doc.Providers[i]
		if p.ID == "" {
			return nil, fmt.Errorf("provider %d in %s has no id", i, path)
		}
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}
	return doc.Providers, nil
}

// providersFromEnv builds provider entries from the well-known key
// variables. The first configured provider becomes the default.
func providersFromEnv() []ProviderConfig {
	var providers []ProviderConfig
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:           "openai",
			Kind:         "openai",
			APIKey:       key,
			BaseURL:      os.Getenv("OPENAI_BASE_URL"),
			DefaultModel: envStr("OPENAI_DEFAULT_MODEL", "gpt-4.1"),
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:           "anthropic",
			Kind:         "anthropic",
			APIKey:       key,
			DefaultModel: envStr("ANTHROPIC_DEFAULT_MODEL", "claude-sonnet-4-20250514"),
		})
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:           "gemini",
			Kind:         "gemini",
			APIKey:       key,
			DefaultModel: envStr("GEMINI_DEFAULT_MODEL", "gemini-2.0-flash"),
		})
	}
	return providers
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
