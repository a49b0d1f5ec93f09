// File: internal/ai/gemini.go
package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/alwayslone/open-phone-agent/internal/config"
)

// GeminiClient talks to the Gemini API through the official SDK.
type GeminiClient struct {
	logger *zap.Logger
	cfg    config.AIModelConfig
	client *genai.Client
}

var _ Generator = (*GeminiClient)(nil)

// NewGeminiClient builds a Generator for the Gemini provider.
func NewGeminiClient(ctx context.Context, cfg config.AIModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an api key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		logger: logger.Named("gemini"),
		cfg:    cfg,
		client: client,
	}, nil
}

// Generate implements Generator.
func (c *GeminiClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(req.UserPrompt),
			genai.NewPartFromBytes(req.ImageJPEG, "image/jpeg"),
		}, genai.RoleUser),
	}

	temperature := c.cfg.Temperature
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		Temperature:       &temperature,
	}
	if c.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, genCfg)
	if err != nil {
		return "", fmt.Errorf("gemini generation: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty reply")
	}
	c.logger.Debug("Gemini reply received", zap.Int("reply_len", len(text)))
	return text, nil
}
