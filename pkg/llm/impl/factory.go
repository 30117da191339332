// Package impl constructs provider clients from model configuration.
package impl

import (
	"fmt"

	"daiv/pkg/config"
	"daiv/pkg/llm"
	"daiv/pkg/llm/impl/anthropic"
	"daiv/pkg/llm/impl/google"
	"daiv/pkg/llm/impl/ollama"
	"daiv/pkg/llm/impl/openai"
)

// Keys holds provider credentials, resolved by the caller at startup.
type Keys struct {
	Anthropic  string
	OpenAI     string
	Google     string
	OllamaHost string
}

// NewClient builds a raw provider client for one configured model.
// Middleware (retry, fallback, metrics, rate limiting) is applied by the
// caller via llm.Chain.
func NewClient(model config.Model, keys Keys) (llm.LLMClient, error) {
	switch model.Provider {
	case config.ProviderAnthropic:
		if keys.Anthropic == "" {
			return nil, fmt.Errorf("anthropic API key is required for model %s", model.Name)
		}
		return anthropic.New(keys.Anthropic, model.Name), nil
	case config.ProviderOpenAI:
		if keys.OpenAI == "" {
			return nil, fmt.Errorf("openai API key is required for model %s", model.Name)
		}
		return openai.New(keys.OpenAI, model.Name), nil
	case config.ProviderGoogle:
		if keys.Google == "" {
			return nil, fmt.Errorf("google API key is required for model %s", model.Name)
		}
		return google.New(keys.Google, model.Name), nil
	case config.ProviderOllama:
		return ollama.New(keys.OllamaHost, model.Name), nil
	default:
		return nil, fmt.Errorf("unknown provider %q for model %s", model.Provider, model.Name)
	}
}
