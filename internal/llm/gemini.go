package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/TobiSchelling/AIRadar/internal/retry"
)

// GeminiProvider talks to Gemini through its OpenAI-compatible endpoint.
type GeminiProvider struct {
	model  string
	apiKey string
	client llms.Model
	logger *slog.Logger
}

// NewGeminiProvider creates a provider; an empty apiKey yields an unconfigured one.
func NewGeminiProvider(model, baseURL, apiKey string) (*GeminiProvider, error) {
	p := &GeminiProvider{
		model:  model,
		apiKey: apiKey,
		logger: slog.Default().With("component", "gemini"),
	}
	if apiKey == "" {
		return p, nil
	}

	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(apiKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	p.client = client
	return p, nil
}

func (g *GeminiProvider) IsConfigured() bool {
	return g.apiKey != "" && g.client != nil
}

// Generate sends a single user prompt and returns the first choice.
func (g *GeminiProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if !g.IsConfigured() {
		return "", retry.Permanent(errors.New("gemini: API key not configured"))
	}

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := g.client.GenerateContent(ctx, content,
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(0.3),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.logger.Debug("generation failed", "model", g.model, "error", err)
		return "", fmt.Errorf("gemini: %w", classifyMessage(err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("gemini: %w", classifyMessage(errors.New("no choices returned")))
	}
	return resp.Choices[0].Content, nil
}
