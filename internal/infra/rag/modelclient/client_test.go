package modelclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	c.baseBackoff = time.Millisecond
	return c
}

func TestNewRejectsEmptyAPIKey(t *testing.T) {
	if _, err := New("", "http://example.com"); err == nil {
		t.Fatalf("expected error for empty api key")
	}
}

func TestNewDefaultsBaseURL(t *testing.T) {
	c, err := New("key", "")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if c.baseURL != defaultBaseURL {
		t.Fatalf("expected default base url, got %q", c.baseURL)
	}
}

func TestEmbedSendsBearerAuthAndDecodesVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth header, got %q", got)
		}
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 {
			t.Errorf("expected 2 inputs, got %d", len(req.Input))
		}
		resp := embeddingResponse{}
		resp.Data = make([]struct {
			Embedding []float32 `json:"embedding"`
		}, 2)
		resp.Data[0].Embedding = []float32{0.1, 0.2}
		resp.Data[1].Embedding = []float32{0.3, 0.4}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	vectors, err := c.Embed(context.Background(), "text-embedding-3-small", []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 2 {
		t.Fatalf("unexpected vectors: %+v", vectors)
	}
}

func TestEmbedWithNoTextsReturnsNilWithoutARequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	vectors, err := c.Embed(context.Background(), "model", nil)
	if err != nil || vectors != nil {
		t.Fatalf("expected nil,nil for empty input, got %v,%v", vectors, err)
	}
	if called {
		t.Fatalf("expected no request to be sent for empty input")
	}
}

func TestEmbedCountMismatchIsInvalidInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingResponse{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Embed(context.Background(), "model", []string{"one"})
	if !apperrors.IsCode(err, apperrors.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestGenerateAssemblesSystemHistoryAndUserMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 4 {
			t.Fatalf("expected system + 2 history turns + user, got %d messages: %+v", len(req.Messages), req.Messages)
		}
		if req.Messages[0].Role != "system" || req.Messages[len(req.Messages)-1].Role != "user" {
			t.Fatalf("unexpected message ordering: %+v", req.Messages)
		}
		resp := chatCompletionResponse{}
		resp.Choices = []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "  the answer  "}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	history := []rag.HistoryTurn{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	answer, err := c.Generate(context.Background(), "gpt", "you are helpful", history, "final question", rag.GenerationParams{})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if answer != "the answer" {
		t.Fatalf("expected trimmed answer, got %q", answer)
	}
}

func TestGenerateNoChoicesIsModelUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatCompletionResponse{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Generate(context.Background(), "gpt", "", nil, "hi", rag.GenerationParams{})
	if !apperrors.IsCode(err, apperrors.ModelUnavailable) {
		t.Fatalf("expected ModelUnavailable, got %v", err)
	}
}

func TestDoWithRetryRecoversAfterTransientServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := embeddingResponse{}
		resp.Data = []struct {
			Embedding []float32 `json:"embedding"`
		}{{Embedding: []float32{1}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	vectors, err := c.Embed(context.Background(), "model", []string{"x"})
	if err != nil {
		t.Fatalf("Embed returned error after retries: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("unexpected vectors: %+v", vectors)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestDoWithRetryExhaustsAttemptsOnPersistentThrottling(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Embed(context.Background(), "model", []string{"x"})
	if !apperrors.IsCode(err, apperrors.Throttled) {
		t.Fatalf("expected Throttled after exhausting retries, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != int32(c.maxAttempts) {
		t.Fatalf("expected %d attempts, got %d", c.maxAttempts, attempts)
	}
}

func TestDoWithRetryDoesNotRetryNonRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Embed(context.Background(), "model", []string{"x"})
	if !apperrors.IsCode(err, apperrors.ModelUnavailable) {
		t.Fatalf("expected ModelUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected a single attempt for a non-retryable status, got %d", attempts)
	}
}

func TestSetLoggerIgnoresNil(t *testing.T) {
	c, err := New("key", "http://example.com")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	before := c.logger
	c.SetLogger(nil)
	if c.logger != before {
		t.Fatalf("expected SetLogger(nil) to leave the existing logger untouched")
	}
}

func TestAsEmbedderAndAsGeneratorSatisfyDomainPorts(t *testing.T) {
	c, err := New("key", "http://example.com")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	var _ rag.Embedder = c.AsEmbedder()
	var _ rag.Generator = c.AsGenerator()
}
