package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/shelf-matcher/internal/config"
)

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

func options(cfg *config.Config, model, fallback string) Options {
	if model == "" {
		model = fallback
	}
	pricing := cfg.GetModelPricing(model).Standard
	return Options{
		Model:        model,
		Pricing:      RequestPricing{Input: pricing.Input, Output: pricing.Output},
		ImageMaxSize: cfg.Pipeline.ImageMaxSize,
		ParseRetries: cfg.Pipeline.ParseRetries,
	}
}

// New builds the comparator named by provider, wrapped in the configured budget.
func New(ctx context.Context, cfg *config.Config, provider string) (*Budget, error) {
	var next Comparator
	switch provider {
	case ProviderOpenAI:
		if cfg.OpenAI.Token == "" {
			return nil, errors.New("OPENAI_TOKEN environment variable is required")
		}
		next = NewOpenAIProvider(cfg.OpenAI.Token, options(cfg, cfg.OpenAI.Model, defaultOpenAIModel))
	case ProviderGemini:
		if cfg.Gemini.APIKey == "" {
			return nil, errors.New("GEMINI_API_KEY environment variable is required")
		}
		p, err := NewGeminiProvider(ctx, cfg.Gemini.APIKey, options(cfg, cfg.Gemini.Model, defaultGeminiModel))
		if err != nil {
			return nil, err
		}
		next = p
	case ProviderAnthropic:
		if cfg.Anthropic.APIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY environment variable is required")
		}
		next = NewAnthropicProvider(cfg.Anthropic.APIKey, options(cfg, cfg.Anthropic.Model, defaultAnthropicModel))
	case ProviderOllama:
		next = NewOllamaProvider(cfg.Ollama.URL, options(cfg, cfg.Ollama.Model, defaultOllamaModel))
	default:
		return nil, fmt.Errorf("unknown provider %q (use openai, gemini, anthropic or ollama)", provider)
	}
	return NewBudget(next, cfg.Pipeline.Budget), nil
}
