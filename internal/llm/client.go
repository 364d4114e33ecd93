// Package llm issues chat-completion requests against an Ollama-compatible
// endpoint with bounded retry, cancellation and a shared keep-alive pool.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	pserrors "pubscreen/internal/errors"
	"pubscreen/internal/logging"
	"pubscreen/internal/metrics"
)

// Client is the minimal completion surface the screener needs.
type Client interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

const (
	systemPrompt = "You are a deterministic medical research screening assistant. " +
		"You must respond with ONLY valid JSON in the exact format requested, nothing else."

	// outerWait bounds a single Generate call end to end, covering the
	// provider finishing a long completion in the background.
	outerWait = 10 * time.Minute

	defaultTransportBackoff = 10 * time.Second
	defaultTimeoutBackoff   = 1 * time.Second
)

// Config configures an OllamaClient.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
}

// OllamaClient talks to {base}/api/chat. One instance is shared per process;
// a per-client mutex keeps at most one request in flight because the LLM
// backend is a scarce local resource.
type OllamaClient struct {
	reqMu sync.Mutex // serialises requests

	mu         sync.Mutex // guards the fields below
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int

	transportBackoff time.Duration
	timeoutBackoff   time.Duration

	logger logging.Logger
}

var _ Client = (*OllamaClient)(nil)

// NewOllamaClient builds a client. Init must be called before Generate.
func NewOllamaClient(config Config) *OllamaClient {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		baseURL:          strings.TrimRight(config.BaseURL, "/"),
		timeout:          timeout,
		maxRetries:       config.MaxRetries,
		transportBackoff: defaultTransportBackoff,
		timeoutBackoff:   defaultTimeoutBackoff,
		logger:           logging.NewComponentLogger("ollama-client"),
	}
}

// Init opens the connection pool. Safe to call again after Close.
func (c *OllamaClient) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient != nil {
		return
	}
	c.httpClient = &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Close drains the pool. Generate calls after Close fail until re-Init.
func (c *OllamaClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
	c.httpClient = nil
}

// UpdateEndpoint swaps the base URL for subsequent requests. In-flight
// requests keep the URL they started with.
func (c *OllamaClient) UpdateEndpoint(baseURL string) {
	baseURL = strings.TrimRight(baseURL, "/")
	c.mu.Lock()
	defer c.mu.Unlock()
	if baseURL != "" && baseURL != c.baseURL {
		c.baseURL = baseURL
		c.logger.Info("LLM endpoint updated: %s", baseURL)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error"`
}

// Generate sends the prompt and returns the raw message content. The caller
// parses the content; a 2xx response with an unusable body is not retried
// here, it surfaces as a normaliser failure upstream.
func (c *OllamaClient) Generate(ctx context.Context, prompt, model string) (string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	client := c.httpClient
	baseURL := c.baseURL
	maxRetries := c.maxRetries
	c.mu.Unlock()

	if client == nil {
		return "", fmt.Errorf("llm client not initialized")
	}
	if baseURL == "" {
		return "", pserrors.NewPermanentError(nil, "OLLAMA_API_URL is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, outerWait)
	defer cancel()

	payload, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream: false,
		Options: map[string]any{
			"temperature": 0.1,
			"num_predict": 4000,
			"num_ctx":     2048,
			"num_thread":  4,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.LLMRetries.Inc()
		}
		content, err := c.doAttempt(ctx, client, baseURL, payload)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("llm request cancelled: %w", ctx.Err())
		}

		lastErr = err
		c.logger.Warn("LLM attempt %d/%d failed: %v", attempt+1, maxRetries+1, err)
		if !pserrors.IsTransient(err) {
			return "", err
		}
		if attempt == maxRetries {
			break
		}

		// Timeouts back off on the short schedule; hard transport failures
		// get the long one (the backend is likely loading a model).
		backoff := c.transportBackoff
		if pserrors.IsTimeout(err) {
			backoff = c.timeoutBackoff
		}
		if err := pserrors.Sleep(ctx, backoff*time.Duration(attempt+1)); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("llm request failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *OllamaClient) doAttempt(ctx context.Context, client *http.Client, baseURL string, payload []byte) (string, error) {
	endpoint := baseURL + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", err // net errors classify as transient
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", pserrors.NewHTTPStatusError(resp.StatusCode, resp.Status, strings.TrimSpace(string(body)))
	}

	var response chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", pserrors.NewPermanentError(err, "invalid response envelope from LLM")
	}
	if response.Error != "" {
		return "", pserrors.NewPermanentError(nil, fmt.Sprintf("llm error: %s", response.Error))
	}
	return response.Message.Content, nil
}
