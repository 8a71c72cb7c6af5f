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

// NameOpenRouter is the Name() of the hosted provider.
const NameOpenRouter = "OpenRouter"

// OpenRouter serves completions through OpenRouter's OpenAI-compatible API.
type OpenRouter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenRouter creates a provider for the hosted backend.
func NewOpenRouter(baseURL, apiKey string) *OpenRouter {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouter{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Name identifies this backend.
func (p *OpenRouter) Name() string { return NameOpenRouter }

// IsAvailable reports whether the API answers within a short deadline.
func (p *OpenRouter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

type openRouterModelsResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// ListModels returns the hosted catalog.
func (p *OpenRouter) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openrouter: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("openrouter: status %d: %s", resp.StatusCode, string(body))
	}

	var result openRouterModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("openrouter: decode response: %w", err)
	}

	models := make([]model.ModelInfo, 0, len(result.Data))
	for _, m := range result.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, model.ModelInfo{ID: m.ID, Name: name})
	}
	return models, nil
}

type openRouterChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openRouterChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a chat completion request and returns the full response.
func (p *OpenRouter) Complete(ctx context.Context, creq CompletionRequest) (Completion, error) {
	body := openRouterChatRequest{
		Model:     creq.Model,
		Messages:  creq.Messages,
		MaxTokens: creq.MaxTokens,
	}
	if creq.Temperature > 0 {
		body.Temperature = &creq.Temperature
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return Completion{}, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Completion{}, fmt.Errorf("openrouter: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("openrouter: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Completion{}, fmt.Errorf("openrouter: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result openRouterChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Completion{}, fmt.Errorf("openrouter: decode response: %w", err)
	}
	if result.Error != nil {
		return Completion{}, fmt.Errorf("openrouter: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return Completion{}, fmt.Errorf("openrouter: empty choices in response")
	}

	return Completion{
		Content:    result.Choices[0].Message.Content,
		TokensUsed: result.Usage.TotalTokens,
	}, nil
}
