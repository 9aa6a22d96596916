package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/query"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	for _, env := range providerEnv {
		t.Setenv(env, "")
	}
	reset()
	t.Cleanup(reset)
	return home
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	c, err := Load(t.TempDir(), false)
	require.NoError(t, err)

	assert.True(t, c.Chat.Enabled)
	assert.Equal(t, "", c.Chat.Provider)
	assert.Equal(t, 0.7, c.Chat.Temperature)
	assert.Equal(t, 5, c.Chat.MaxToolIterations)
	assert.Equal(t, query.ModeEnhance, c.QueryMode())
	assert.Equal(t, 10, c.Retrieval.MaxResults)
	assert.Equal(t, 0.65, c.Retrieval.ScopedThreshold)
	assert.Equal(t, 24*time.Hour, c.Session.TTL)
	assert.Equal(t, time.Hour, c.Session.SweepInterval)
	assert.Equal(t, defaultNotePatterns, c.Notes.Patterns)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "127.0.0.1:8080", c.Address())

	_, err = c.HandlerOptions()
	assert.True(t, llm.IsConfigurationError(err))

	again, err := Load("elsewhere", true)
	require.NoError(t, err)
	assert.Same(t, c, again)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	home := isolate(t)
	file := `{
  "chat": {"provider": "openai", "model": "gpt-4o", "temperature": 0.2, "queryMode": "auto", "decomposeThreshold": 4},
  "session": {"ttl": "30m"},
  "providers": {"openai": {"apiKey": "sk-file"}},
  "embedding": {"provider": "openai"}
}`
	require.NoError(t, os.WriteFile(filepath.Join(home, ".notechat.json"), []byte(file), 0o644))
	t.Setenv("NOTECHAT_CHAT_MAXTOKENS", "512")

	c, err := Load(t.TempDir(), true)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 30*time.Minute, c.Session.TTL)
	assert.Equal(t, query.ModeAuto, c.QueryMode())
	assert.Equal(t, 4, c.Chat.DecomposeThreshold)
	assert.Equal(t, 512, c.Chat.MaxTokens)

	opts, err := c.HandlerOptions()
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderOpenAI, opts.Provider)
	assert.Equal(t, "sk-file", opts.APIKey)
	assert.Equal(t, "gpt-4o", opts.ModelID)
	assert.Equal(t, 512, opts.MaxTokens)

	chatOpts := c.ChatOptions()
	require.NotNil(t, chatOpts.Temperature)
	assert.Equal(t, 0.2, *chatOpts.Temperature)

	assert.Equal(t, "sk-file", c.EmbeddingOptions().APIKey)
}

func TestProviderFromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")

	c, err := Load(t.TempDir(), false)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", c.Chat.Provider)
	opts, err := c.HandlerOptions()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", opts.APIKey)
	assert.NotEmpty(t, opts.ModelID)
	assert.Equal(t, "http://ollama:11434", c.EmbeddingOptions().BaseURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, ".notechat.json"), []byte(`{"chat": {"queryMode": "shotgun"}}`), 0o644))

	_, err := Load(t.TempDir(), false)
	assert.ErrorContains(t, err, "chat.queryMode")
	assert.Nil(t, Get())
}

func TestDisabledChat(t *testing.T) {
	c := &Config{Chat: ChatConfig{Enabled: false, Provider: "openai"}}
	_, err := c.HandlerOptions()
	assert.True(t, llm.IsConfigurationError(err))

	c = &Config{
		Chat:      ChatConfig{Enabled: true, Provider: "openai"},
		Providers: map[string]Provider{"openai": {APIKey: "k", Disabled: true}},
	}
	_, err = c.HandlerOptions()
	assert.True(t, llm.IsConfigurationError(err))
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.toml")

	state, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, "no model selected", state.Display())

	require.NoError(t, state.UpdateModel(path, "ollama", "llama3.1"))
	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3.1", loaded.Display())

	c := &Config{Chat: ChatConfig{Provider: "openai", Model: "gpt-4o"}}
	c.ApplyState(loaded)
	assert.Equal(t, "ollama", c.Chat.Provider)
	assert.Equal(t, "llama3.1", c.Chat.Model)

	require.NoError(t, os.WriteFile(path, []byte("provider = ["), 0o644))
	_, err = LoadState(path)
	assert.Error(t, err)
}
