package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string, maxRetries int) *OllamaClient {
	c := NewOllamaClient(Config{BaseURL: baseURL, RequestTimeout: 5 * time.Second, MaxRetries: maxRetries})
	c.transportBackoff = time.Millisecond
	c.timeoutBackoff = time.Millisecond
	c.Init()
	return c
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	err := json.NewEncoder(w).Encode(map[string]any{
		"message": map[string]string{"role": "assistant", "content": content},
	})
	require.NoError(t, err)
}

func TestGenerateSendsChatRequest(t *testing.T) {
	var gotPath string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		chatReply(t, w, `{"a1": {"included": true}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	defer c.Close()

	content, err := c.Generate(context.Background(), "screen these", "llama3")
	require.NoError(t, err)
	assert.Equal(t, `{"a1": {"included": true}}`, content)

	assert.Equal(t, "/api/chat", gotPath)
	assert.Equal(t, "llama3", gotBody.Model)
	assert.False(t, gotBody.Stream)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "user", gotBody.Messages[1].Role)
	assert.Equal(t, "screen these", gotBody.Messages[1].Content)
	assert.Equal(t, 0.1, gotBody.Options["temperature"])
}

func TestGenerateRetriesModelLoading(t *testing.T) {
	// Ollama answers 404 while a model is still loading; the client should
	// ride it out.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "model not found", http.StatusNotFound)
			return
		}
		chatReply(t, w, "{}")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	defer c.Close()

	content, err := c.Generate(context.Background(), "prompt", "llama3")
	require.NoError(t, err)
	assert.Equal(t, "{}", content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateRetriesRequestTimeouts(t *testing.T) {
	// A backend slower than the per-request timeout: every attempt trips
	// http.Client.Timeout, and each one must be retried.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(Config{BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond, MaxRetries: 2})
	c.transportBackoff = time.Millisecond
	c.timeoutBackoff = time.Millisecond
	c.Init()
	defer c.Close()

	_, err := c.Generate(context.Background(), "prompt", "llama3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "malformed request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	defer c.Close()

	_, err := c.Generate(context.Background(), "prompt", "llama3")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	defer c.Close()

	_, err := c.Generate(context.Background(), "prompt", "llama3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and
		// cancels r.Context() when the client disconnects; otherwise the
		// handler never returns and the deferred Close hangs.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Generate(ctx, "prompt", "llama3")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGenerateSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"error": "model exploded"}))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	defer c.Close()

	_, err := c.Generate(context.Background(), "prompt", "llama3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
}

func TestGenerateRequiresInit(t *testing.T) {
	c := NewOllamaClient(Config{BaseURL: "http://localhost:11434"})

	_, err := c.Generate(context.Background(), "prompt", "llama3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
}

func TestUpdateEndpointSwapsBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "ok")
	}))
	defer srv.Close()

	c := newTestClient("http://127.0.0.1:1", 0)
	defer c.Close()
	c.UpdateEndpoint(srv.URL + "/")

	content, err := c.Generate(context.Background(), "prompt", "llama3")
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
}
