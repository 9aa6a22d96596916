package providers

import (
	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

// defaultModels is used when the configuration names a provider but no model
var defaultModels = map[llm.ProviderType]string{
	llm.ProviderAnthropic:  "claude-3-5-sonnet-latest",
	llm.ProviderOpenAI:     "gpt-4o-mini",
	llm.ProviderGemini:     "gemini-2.0-flash",
	llm.ProviderOllama:     "llama3.1",
	llm.ProviderOpenRouter: "openai/gpt-4o-mini",
	llm.ProviderBedrock:    "anthropic.claude-3-5-sonnet-20241022-v2:0",
}

// DefaultModel returns the fallback model for a provider
func DefaultModel(provider llm.ProviderType) string {
	return defaultModels[provider]
}

// BuildApiHandler creates a retrying API handler for the configured provider
func BuildApiHandler(options llm.ApiHandlerOptions) (llm.ApiHandler, error) {
	if options.Provider == "" {
		return nil, llm.NewConfigurationError("no chat provider configured")
	}
	if options.ModelID == "" {
		options.ModelID = DefaultModel(options.Provider)
	}
	if requiresAPIKey(options.Provider) && options.APIKey == "" {
		return nil, llm.NewConfigurationError("provider %s has no API key", options.Provider)
	}

	var handler llm.ApiHandler
	switch options.Provider {
	case llm.ProviderAnthropic:
		handler = NewAnthropicHandler(options)
	case llm.ProviderOpenAI:
		handler = NewOpenAIHandler(options)
	case llm.ProviderGemini:
		handler = NewGeminiHandler(options)
	case llm.ProviderOllama:
		handler = NewOllamaHandler(options)
	case llm.ProviderOpenRouter:
		handler = NewOpenRouterHandler(options)
	case llm.ProviderBedrock:
		handler = NewBedrockHandler(options)
	default:
		return nil, llm.NewConfigurationError("unsupported provider %q", options.Provider)
	}

	retry := llm.DefaultRetryOptions
	if options.Retry != nil {
		retry = *options.Retry
	}
	return llm.WithRetry(handler, retry), nil
}

func requiresAPIKey(provider llm.ProviderType) bool {
	switch provider {
	case llm.ProviderOllama, llm.ProviderBedrock:
		return false
	}
	return true
}
