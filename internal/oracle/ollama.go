package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 60 * time.Second
)

// Ollama talks to a local Ollama server over its REST API.
type Ollama struct {
	baseURL    string
	embedModel string
	chatModel  string
	timeout    time.Duration
	client     *http.Client
}

// Config selects the server and models for an Ollama oracle.
type Config struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
	// Timeout bounds each request's read phase; zero means 60 s.
	Timeout time.Duration
}

// NewOllama creates an Ollama oracle. The connect phase is bounded at
// 5 s regardless of the per-request timeout.
func NewOllama(cfg Config) *Ollama {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	dialer := &net.Dialer{Timeout: defaultConnectTimeout}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: cfg.EmbedModel,
		chatModel:  cfg.ChatModel,
		timeout:    timeout,
		client: &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
	}
}

// IsRunning probes the server with GET /api/tags.
func (o *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed embeds texts via POST /api/embed, retrying once with backoff on
// transient failure.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out embedResponse
	err := retryOnce(ctx, func() error {
		return o.post(ctx, "/api/embed", embedRequest{Model: o.embedModel, Input: texts}, &out)
	})
	if err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed returned %d vectors for %d texts", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Chat sends a non-streaming chat request with deterministic sampling.
func (o *Ollama) Chat(ctx context.Context, req ChatRequest) (string, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	payload := chatRequest{
		Model:    o.chatModel,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"temperature": 0.0, "seed": 42},
	}
	if req.JSON {
		payload.Format = "json"
	}

	var out chatResponse
	err := retryOnce(ctx, func() error {
		return o.post(ctx, "/api/chat", payload, &out)
	})
	if err != nil {
		return "", err
	}
	return out.Message.Content, nil
}

func (o *Ollama) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return classifyTransportErr(err, o.baseURL)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: pull the model configured for %s", ErrModelMissing, path)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyTransportErr(err error, baseURL string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, baseURL)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, baseURL)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, baseURL, err)
}
