// File: internal/ai/factory.go
package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alwayslone/open-phone-agent/internal/config"
)

// NewAnalyzer constructs the Client for the configured default model,
// instantiating the matching provider backend.
func NewAnalyzer(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Client, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no AI models configured under ai.models")
	}
	modelCfg, ok := cfg.Models[cfg.DefaultModel]
	if !ok {
		return nil, fmt.Errorf("default model %q not found in ai.models", cfg.DefaultModel)
	}

	var generator Generator
	var err error
	switch modelCfg.Provider {
	case config.ProviderOpenAI:
		generator, err = NewOpenAIClient(modelCfg, logger)
	case config.ProviderGemini:
		generator, err = NewGeminiClient(ctx, modelCfg, logger)
	default:
		return nil, fmt.Errorf("unknown AI provider %q for model %q", modelCfg.Provider, cfg.DefaultModel)
	}
	if err != nil {
		return nil, fmt.Errorf("create provider client for %q: %w", cfg.DefaultModel, err)
	}

	logger.Info("Instantiated AI client",
		zap.String("model", modelCfg.Model),
		zap.String("provider", string(modelCfg.Provider)))
	return NewClient(logger, generator), nil
}
