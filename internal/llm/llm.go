package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/TobiSchelling/AIRadar/internal/config"
	"github.com/TobiSchelling/AIRadar/internal/retry"
)

const defaultOpenAIURL = "https://api.openai.com/v1"

// Provider is the interface for LLM providers. Generate errors are classified
// with the retry kinds so callers can decide whether to try again.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured() bool
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	slog.Warn("ollama model not found", "model", o.Model)
	return false
}

// Generate sends a prompt to Ollama and returns the response.
func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": 0.3,
		},
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := postJSON(ctx, o.client, o.BaseURL+"/api/chat", nil, body, &result); err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return result.Message.Content, nil
}

// OpenAIProvider is an OpenAI API provider.
type OpenAIProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(model, apiKeyEnv string) *OpenAIProvider {
	return &OpenAIProvider{
		Model:   model,
		APIKey:  os.Getenv(apiKeyEnv),
		BaseURL: defaultOpenAIURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Generate sends a prompt to OpenAI and returns the response.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if o.APIKey == "" {
		return "", retry.Permanent(fmt.Errorf("OpenAI API key not configured"))
	}

	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  maxTokens,
		"temperature": 0.3,
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	header := http.Header{"Authorization": {"Bearer " + o.APIKey}}
	if err := postJSON(ctx, o.client, strings.TrimRight(o.BaseURL, "/")+"/chat/completions", header, body, &result); err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", retry.Transient(fmt.Errorf("no choices in OpenAI response"))
	}
	return result.Choices[0].Message.Content, nil
}

// postJSON posts body and decodes a 200 response into out, classifying failures.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		req.Header[k] = vs
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Transient(fmt.Errorf("API error: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, resp.Header, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Transient(fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// CreateProvider returns the configured provider, falling back to the others
// in the order ollama, openai, gemini. It returns nil when none is usable.
func CreateProvider(cfg config.Summarization) Provider {
	candidates := map[string]func() Provider{
		"ollama": func() Provider { return NewOllamaProvider(cfg.Model, cfg.OllamaURL) },
		"openai": func() Provider { return NewOpenAIProvider(cfg.OpenAIModel, cfg.APIKeyEnv) },
		"gemini": func() Provider {
			p, err := NewGeminiProvider(cfg.GeminiModel, cfg.GeminiURL, os.Getenv(cfg.GeminiAPIKeyEnv))
			if err != nil {
				slog.Warn("gemini provider unavailable", "error", err)
				return nil
			}
			return p
		},
	}

	order := []string{"ollama", "openai", "gemini"}
	preferred := strings.ToLower(cfg.Provider)
	if _, ok := candidates[preferred]; ok {
		order = append([]string{preferred}, order...)
	}

	tried := map[string]bool{}
	for _, name := range order {
		if tried[name] {
			continue
		}
		tried[name] = true

		p := candidates[name]()
		if p != nil && p.IsConfigured() {
			slog.Info("using LLM provider", "provider", name)
			return p
		}
		if name == preferred {
			slog.Info("preferred LLM provider not available, trying fallbacks", "provider", name)
		}
	}

	slog.Warn("no LLM provider available; check Ollama is running or set an API key")
	return nil
}
