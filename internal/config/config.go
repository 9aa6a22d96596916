package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/entrepeneur4lyf/notechat/internal/embeddings"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/providers"
	"github.com/entrepeneur4lyf/notechat/internal/llm/query"
)

// Provider holds credentials for one LLM provider
type Provider struct {
	APIKey   string `json:"apiKey"`
	BaseURL  string `json:"baseURL,omitempty"`
	Region   string `json:"region,omitempty"`
	Disabled bool   `json:"disabled"`
}

// Data defines storage configuration
type Data struct {
	Directory string `json:"directory,omitempty"`
}

// LogConfig defines logging output
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"` // rotated with lumberjack when set
}

// ServerConfig defines the HTTP listener
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// ChatConfig defines how turns are run
type ChatConfig struct {
	Enabled            bool    `json:"enabled"`
	Provider           string  `json:"provider"`
	Model              string  `json:"model"`
	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"maxTokens"`
	SystemPrompt       string  `json:"systemPrompt,omitempty"`
	MaxToolIterations  int     `json:"maxToolIterations"`
	QueryMode          string  `json:"queryMode"` // enhance, decompose or auto
	DecomposeThreshold int     `json:"decomposeThreshold"`
}

// RetrievalConfig defines note search limits
type RetrievalConfig struct {
	MaxResults      int     `json:"maxResults"`
	ScopedThreshold float64 `json:"scopedThreshold"`
}

// SessionConfig defines in-memory session lifetime
type SessionConfig struct {
	TTL           time.Duration `json:"ttl"`
	SweepInterval time.Duration `json:"sweepInterval"`
}

// EmbeddingConfig defines embedding service configuration
type EmbeddingConfig struct {
	Provider string `json:"provider"` // "ollama", "openai", "fallback"
	Model    string `json:"model"`    // e.g., "nomic-embed-text"
	BaseURL  string `json:"baseURL"`  // for custom Ollama instances
}

// NotesConfig defines where notes are indexed from
type NotesConfig struct {
	Directory string   `json:"directory"`
	Patterns  []string `json:"patterns"`
}

// TelemetryConfig defines trace and metric export
type TelemetryConfig struct {
	Enabled   bool   `json:"enabled"`
	Directory string `json:"directory,omitempty"`
}

// Config is the main configuration structure for the application
type Config struct {
	Data       Data                `json:"data"`
	WorkingDir string              `json:"wd,omitempty"`
	Debug      bool                `json:"debug,omitempty"`
	Log        LogConfig           `json:"log"`
	Server     ServerConfig        `json:"server"`
	Chat       ChatConfig          `json:"chat"`
	Retrieval  RetrievalConfig     `json:"retrieval"`
	Session    SessionConfig       `json:"session"`
	Embedding  EmbeddingConfig     `json:"embedding"`
	Notes      NotesConfig         `json:"notes"`
	Telemetry  TelemetryConfig     `json:"telemetry"`
	Providers  map[string]Provider `json:"providers,omitempty"`
}

// Application constants
const (
	defaultLogLevel = "info"
	appName         = "notechat"
)

var defaultNotePatterns = []string{"**/*.md", "**/*.markdown", "**/*.html", "**/*.htm", "**/*.txt"}

// providerEnv maps providers to the environment variable holding their key
var providerEnv = map[llm.ProviderType]string{
	llm.ProviderAnthropic:  "ANTHROPIC_API_KEY",
	llm.ProviderOpenAI:     "OPENAI_API_KEY",
	llm.ProviderGemini:     "GEMINI_API_KEY",
	llm.ProviderOpenRouter: "OPENROUTER_API_KEY",
	llm.ProviderBedrock:    "AWS_ACCESS_KEY_ID",
	llm.ProviderOllama:     "OLLAMA_HOST",
}

// providerOrder is the preference when chat.provider is unset
var providerOrder = []llm.ProviderType{
	llm.ProviderAnthropic,
	llm.ProviderOpenAI,
	llm.ProviderGemini,
	llm.ProviderOpenRouter,
	llm.ProviderBedrock,
	llm.ProviderOllama,
}

// Global configuration instance
var cfg *Config

// Load initializes the configuration from defaults, the config file and
// environment variables. Later calls return the first result.
func Load(workingDir string, debug bool) (*Config, error) {
	if cfg != nil {
		return cfg, nil
	}

	loaded := &Config{
		WorkingDir: workingDir,
		Providers:  make(map[string]Provider),
	}

	configureViper()
	setDefaults(debug)

	if err := readConfig(viper.ReadInConfig()); err != nil {
		return nil, err
	}
	if err := viper.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if loaded.Providers == nil {
		loaded.Providers = make(map[string]Provider)
	}

	loadProvidersFromEnv(loaded)
	selectDefaultProvider(loaded)

	if err := loaded.Validate(); err != nil {
		return nil, err
	}

	cfg = loaded
	return cfg, nil
}

// configureViper sets up viper's configuration paths and environment variables
func configureViper() {
	viper.SetConfigName(fmt.Sprintf(".%s", appName))
	viper.SetConfigType("json")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(fmt.Sprintf("$XDG_CONFIG_HOME/%s", appName))
	viper.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	viper.SetEnvPrefix(strings.ToUpper(appName))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// setDefaults configures default values for configuration options
func setDefaults(debug bool) {
	viper.SetDefault("data.directory", "")

	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("chat.enabled", true)
	viper.SetDefault("chat.provider", "")
	viper.SetDefault("chat.model", "")
	viper.SetDefault("chat.temperature", 0.7)
	viper.SetDefault("chat.maxTokens", 2048)
	viper.SetDefault("chat.systemPrompt", "")
	viper.SetDefault("chat.maxToolIterations", 5)
	viper.SetDefault("chat.queryMode", string(query.ModeEnhance))
	viper.SetDefault("chat.decomposeThreshold", 6)

	viper.SetDefault("retrieval.maxResults", 10)
	viper.SetDefault("retrieval.scopedThreshold", 0.65)

	viper.SetDefault("session.ttl", "24h")
	viper.SetDefault("session.sweepInterval", "1h")

	viper.SetDefault("embedding.provider", "ollama")
	viper.SetDefault("embedding.model", "")
	viper.SetDefault("embedding.baseURL", "")

	viper.SetDefault("notes.directory", "")
	viper.SetDefault("notes.patterns", defaultNotePatterns)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.directory", "")

	viper.SetDefault("log.file", "")
	if debug {
		viper.SetDefault("debug", true)
		viper.Set("log.level", "debug")
	} else {
		viper.SetDefault("debug", false)
		viper.SetDefault("log.level", defaultLogLevel)
	}
}

// readConfig tolerates a missing config file
func readConfig(err error) error {
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// loadProvidersFromEnv fills provider keys missing from the config file
func loadProvidersFromEnv(c *Config) {
	for provider, envVar := range providerEnv {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		p := c.Providers[string(provider)]
		switch provider {
		case llm.ProviderOllama:
			if p.BaseURL == "" {
				p.BaseURL = value
			}
		case llm.ProviderBedrock:
			if p.Region == "" {
				p.Region = os.Getenv("AWS_REGION")
			}
			if p.APIKey == "" {
				p.APIKey = value
			}
		default:
			if p.APIKey == "" {
				p.APIKey = value
			}
		}
		c.Providers[string(provider)] = p
	}
}

// selectDefaultProvider picks the first configured provider when
// chat.provider is unset
func selectDefaultProvider(c *Config) {
	if c.Chat.Provider != "" {
		return
	}
	for _, provider := range providerOrder {
		if p, ok := c.Providers[string(provider)]; ok && !p.Disabled {
			c.Chat.Provider = string(provider)
			return
		}
	}
}

// Validate checks values that would otherwise fail deep inside a turn
func (c *Config) Validate() error {
	if _, err := query.ParseMode(c.Chat.QueryMode); err != nil {
		return fmt.Errorf("chat.queryMode: %w", err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Retrieval.ScopedThreshold < 0 || c.Retrieval.ScopedThreshold > 1 {
		return fmt.Errorf("retrieval.scopedThreshold must be between 0 and 1, got %v", c.Retrieval.ScopedThreshold)
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		return fmt.Errorf("chat.temperature must be between 0 and 2, got %v", c.Chat.Temperature)
	}
	return nil
}

// Get returns the global configuration instance
func Get() *Config {
	return cfg
}

// WorkingDirectory returns the directory the configuration was loaded for
func WorkingDirectory() string {
	if cfg == nil {
		return ""
	}
	return cfg.WorkingDir
}

// ApplyState overlays the persisted provider and model choice
func (c *Config) ApplyState(state *State) {
	if state == nil {
		return
	}
	if state.Provider != "" {
		c.Chat.Provider = state.Provider
		c.Chat.Model = state.Model
	}
}

// Address returns host:port for the HTTP server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// QueryMode returns the parsed chat.queryMode
func (c *Config) QueryMode() query.Mode {
	mode, err := query.ParseMode(c.Chat.QueryMode)
	if err != nil {
		return query.ModeEnhance
	}
	return mode
}

// HandlerOptions builds the provider options for chat.provider. A
// ConfigurationError is returned when chat is disabled or no provider is
// usable.
func (c *Config) HandlerOptions() (llm.ApiHandlerOptions, error) {
	if !c.Chat.Enabled {
		return llm.ApiHandlerOptions{}, llm.NewConfigurationError("chat is disabled")
	}
	if c.Chat.Provider == "" {
		return llm.ApiHandlerOptions{}, llm.NewConfigurationError("no chat provider configured")
	}

	provider := llm.ProviderType(strings.ToLower(c.Chat.Provider))
	p := c.Providers[string(provider)]
	if p.Disabled {
		return llm.ApiHandlerOptions{}, llm.NewConfigurationError("provider %s is disabled", provider)
	}

	model := c.Chat.Model
	if model == "" {
		model = providers.DefaultModel(provider)
	}
	return llm.ApiHandlerOptions{
		Provider:  provider,
		APIKey:    p.APIKey,
		ModelID:   model,
		BaseURL:   p.BaseURL,
		AWSRegion: p.Region,
		MaxTokens: c.Chat.MaxTokens,
	}, nil
}

// ChatOptions returns the default per-turn options
func (c *Config) ChatOptions() llm.ChatOptions {
	return llm.ChatOptions{
		Model:       c.Chat.Model,
		Temperature: llm.Float(c.Chat.Temperature),
		MaxTokens:   c.Chat.MaxTokens,
	}
}

// EmbeddingOptions returns the embedder configuration, borrowing provider
// credentials where the embedding service needs them
func (c *Config) EmbeddingOptions() embeddings.Config {
	ec := embeddings.Config{
		Provider: c.Embedding.Provider,
		Model:    c.Embedding.Model,
		BaseURL:  c.Embedding.BaseURL,
	}
	switch ec.Provider {
	case "openai":
		ec.APIKey = c.Providers[string(llm.ProviderOpenAI)].APIKey
	case "ollama":
		if ec.BaseURL == "" {
			ec.BaseURL = c.Providers[string(llm.ProviderOllama)].BaseURL
		}
	}
	return ec
}

// reset clears the loaded configuration
func reset() {
	cfg = nil
	viper.Reset()
}
