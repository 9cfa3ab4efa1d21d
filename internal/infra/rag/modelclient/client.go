// Package modelclient implements C3: a single OpenAI-compatible HTTP client
// for both the embedding and generation remote services, generalized from
// the teacher's internal/infra/llm/chatgpt/client.go (request/response
// shapes, bearer auth) and internal/infra/uploadask/embedder/chatgpt.go
// (batching), with retry/backoff adapted from the exponential formula in
// internal/interface/http/retry_middleware.go.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
	"github.com/yanqian/kbrag/pkg/metrics"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client performs HTTP requests against an OpenAI-compatible API for both
// embeddings and chat completions.
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	baseBackoff time.Duration
	logger      *slog.Logger
}

// New constructs a model gateway client.
func New(apiKey, baseURL string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("modelclient: api key cannot be empty")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxAttempts: 4,
		baseBackoff: 200 * time.Millisecond,
		logger:      slog.Default().With("component", "rag.modelclient"),
	}, nil
}

// SetLogger overrides the client's logger, used for the service-wide
// structured logger instead of slog.Default().
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger.With("component", "rag.modelclient")
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed requests embeddings for a batch of texts, retrying on
// Throttled/Transient failures with exponential backoff and jitter.
func (c *Client) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := embeddingRequest{Model: modelID, Input: texts}
	body, err := c.doWithRetry(ctx, "/embeddings", req)
	if err != nil {
		return nil, err
	}
	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.ModelUnavailable, "decode embedding response", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperrors.Wrap(apperrors.InvalidInput, fmt.Sprintf("embedding count mismatch: requested %d, got %d", len(texts), len(resp.Data)), nil)
	}
	usage := metrics.TokenUsage{PromptTokens: resp.Usage.PromptTokens, TotalTokens: resp.Usage.TotalTokens}
	if !usage.IsZero() {
		c.logger.Info("embedding token usage", "prompt_tokens", usage.PromptTokens, "total_tokens", usage.TotalTokens)
	}
	out := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		out[i] = item.Embedding
	}
	return out, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate issues a chat completion request assembling the system prompt,
// prior history turns, and the final user turn, matching the contract in
// spec.md §6.
func (c *Client) Generate(ctx context.Context, modelID string, systemPrompt string, history []rag.HistoryTurn, userTurn string, params rag.GenerationParams) (string, error) {
	messages := make([]chatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userTurn})

	req := chatCompletionRequest{Model: modelID, Messages: messages, Temperature: params.Temperature, TopP: params.TopP, MaxTokens: params.MaxTokens}
	body, err := c.doWithRetry(ctx, "/chat/completions", req)
	if err != nil {
		return "", err
	}
	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperrors.Wrap(apperrors.ModelUnavailable, "decode chat completion response", err)
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.Wrap(apperrors.ModelUnavailable, "chat completion returned no choices", nil)
	}
	usage := metrics.TokenUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens}
	if !usage.IsZero() {
		c.logger.Info("generation token usage", "prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens, "total_tokens", usage.TotalTokens)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// doWithRetry issues a POST request, retrying Throttled/Transient failures
// with exponential backoff plus jitter, bounded by maxAttempts, in the
// manner of retry_middleware.go's BaseBackoff*2^attempt formula.
func (c *Client) doWithRetry(ctx context.Context, path string, payload any) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, status, err := c.post(ctx, path, payload)
		if err == nil {
			return body, nil
		}
		classified := classifyStatus(status, err)
		lastErr = classified
		if !apperrors.Retryable(codeOf(classified)) || attempt == c.maxAttempts {
			return nil, classified
		}
		backoff := c.baseBackoff * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(rand.Int63n(int64(c.baseBackoff)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("model gateway request failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, resp.StatusCode, nil
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.Wrap(apperrors.Throttled, "model gateway throttled the request", err)
	case status >= 500:
		return apperrors.Wrap(apperrors.Transient, "model gateway returned a server error", err)
	case status == 0:
		return apperrors.Wrap(apperrors.Transient, "model gateway request failed", err)
	default:
		return apperrors.Wrap(apperrors.ModelUnavailable, "model gateway request rejected", err)
	}
}

func codeOf(err error) string {
	var appErr *apperrors.AppError
	if e, ok := err.(*apperrors.AppError); ok {
		appErr = e
	}
	if appErr != nil {
		return appErr.Code
	}
	return ""
}

var _ rag.Embedder = (*embedAdapter)(nil)
var _ rag.Generator = (*generateAdapter)(nil)

// embedAdapter and generateAdapter let Client satisfy the narrower
// single-method ports the domain layer depends on, without forcing every
// caller to take the full Client surface.
type embedAdapter struct{ c *Client }
type generateAdapter struct{ c *Client }

func (a *embedAdapter) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	return a.c.Embed(ctx, modelID, texts)
}

func (a *generateAdapter) Generate(ctx context.Context, modelID string, systemPrompt string, history []rag.HistoryTurn, userTurn string, params rag.GenerationParams) (string, error) {
	return a.c.Generate(ctx, modelID, systemPrompt, history, userTurn, params)
}

// AsEmbedder exposes the Client as a rag.Embedder.
func (c *Client) AsEmbedder() rag.Embedder { return &embedAdapter{c: c} }

// AsGenerator exposes the Client as a rag.Generator.
func (c *Client) AsGenerator() rag.Generator { return &generateAdapter{c: c} }
