package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maestro-crm/maestro/internal/model"
)

// NameOllama is the Name() of the local/offline provider. The model
// mapping rule keys off it.
const NameOllama = "Ollama"

// Ollama serves completions from a local Ollama server. This is the
// offline/degraded-cost path: data never leaves the school's network.
type Ollama struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllama creates a provider that calls Ollama's chat API.
func NewOllama(baseURL string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Name identifies this backend.
func (p *Ollama) Name() string { return NameOllama }

// IsAvailable reports whether the local server answers within a short deadline.
func (p *Ollama) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the locally installed models.
func (p *Ollama) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	models := make([]model.ModelInfo, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, model.ModelInfo{ID: m.Name, Name: m.Name})
	}
	return models, nil
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Complete sends a non-streaming chat request.
func (p *Ollama) Complete(ctx context.Context, creq CompletionRequest) (Completion, error) {
	body := ollamaChatRequest{
		Model:    creq.Model,
		Messages: creq.Messages,
		Stream:   false,
	}
	if creq.Temperature > 0 || creq.MaxTokens > 0 {
		body.Options = map[string]any{}
		if creq.Temperature > 0 {
			body.Options["temperature"] = creq.Temperature
		}
		if creq.MaxTokens > 0 {
			body.Options["num_predict"] = creq.MaxTokens
		}
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return Completion{}, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Completion{}, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Completion{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	if result.Error != "" {
		return Completion{}, fmt.Errorf("ollama: %s", result.Error)
	}

	return Completion{
		Content:    result.Message.Content,
		TokensUsed: result.PromptEvalCount + result.EvalCount,
	}, nil
}
