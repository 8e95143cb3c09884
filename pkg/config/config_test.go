package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const providersYAML = `
providers:
  - id: openai
    kind: openai
    api_key_env: TEST_OPENAI_KEY
    default_model: gpt-4.1
  - id: claude
    kind: anthropic
    api_key: sk-direct
    default_model: claude-sonnet-4-20250514
    max_retries: 5
`

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProvidersFile(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	path := writeProvidersFile(t, providersYAML)

	providers, err := LoadProvidersFile(path)
	require.NoError(t, err)
	require.Len(t, providers, 2)

	assert.Equal(t, "openai", providers[0].ID)
	assert.Equal(t, "sk-from-env", providers[0].APIKey, "api_key_env resolves against the environment")
	assert.Equal(t, "sk-direct", providers[1].APIKey)
	assert.Equal(t, 5, providers[1].MaxRetries)
}

func TestLoadProvidersFileMissingID(t *testing.T) {
	path := writeProvidersFile(t, "providers:\n  - kind: openai\n")
	_, err := LoadProvidersFile(path)
	assert.Error(t, err)
}

func TestLoadProvidersFileBadYAML(t *testing.T) {
	path := writeProvidersFile(t, "providers: [")
	_, err := LoadProvidersFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "https://llm.internal/v1")
	t.Setenv("PORT", "9999")
	t.Setenv("PERSIST_TRANSCRIPTS", "false")
	t.Setenv("RATE_MAX", "120")
	t.Setenv("RATE_WINDOW_SEC", "60")
	t.Setenv("PROVIDERS_FILE", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.False(t, cfg.PersistTranscripts)
	assert.Equal(t, int64(120), cfg.RateMax)
	assert.Equal(t, time.Minute, cfg.RateWindow())
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "openai", cfg.Providers[0].ID)
	assert.Equal(t, "https://llm.internal/v1", cfg.Providers[0].BaseURL)
}

func TestLoadNoProviders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("PROVIDERS_FILE", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestWatchProviders(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	path := writeProvidersFile(t, providersYAML)

	updates := make(chan []ProviderConfig, 1)
	stop, err := WatchProviders(path, slog.Default(), func(p []ProviderConfig) {
		select {
		case updates <- p:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	single := "providers:\n  - id: only\n    kind: gemini\n    api_key: k\n"
	require.NoError(t, os.WriteFile(path, []byte(single), 0o644))

	select {
	case providers := <-updates:
		require.Len(t, providers, 1)
		assert.Equal(t, "only", providers[0].ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
