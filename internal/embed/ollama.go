// Package embed is a thin client over an Ollama-compatible embeddings/chat
// backend: embed(text) -> vector, chat(messages) -> text, health() -> bool.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mag-mcp/magserver/internal/magerr"
)

const (
	DefaultHost    = "http://localhost:11434"
	defaultTimeout = 60 * time.Second
)

// FallbackModels are tried, in order, if the configured embedding model
// isn't installed on the target Ollama instance.
var FallbackModels = []string{"nomic-embed-text", "mxbai-embed-large"}

// Config configures the Client.
type Config struct {
	Host           string
	EmbeddingModel string
	ChatModel      string
	FallbackModels []string
	Dimensions     int // 0 = auto-detect on first Embed call
	Timeout        time.Duration
}

// Client talks to an Ollama-compatible backend. All methods block; callers
// are responsible for parallelism. Every method is safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	resolved  string // the model name actually found available
	dims      int
}

// New constructs a Client, applying defaults for anything left zero.
func New(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.FallbackModels == nil {
		cfg.FallbackModels = FallbackModels
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		dims: cfg.Dimensions,
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Healthy reports whether the backend is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.listModels(ctx)
	return err == nil
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama /api/tags returned %d: %s", resp.StatusCode, body)
	}
	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// resolveModel finds which of (configured, fallbacks) is actually
// installed, trying exact name then base name (without ":tag").
func (c *Client) resolveModel(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.resolved != "" {
		defer c.mu.Unlock()
		return c.resolved, nil
	}
	c.mu.Unlock()

	available, err := c.listModels(ctx)
	if err != nil {
		return "", magerr.Backend("failed to list ollama models", err)
	}
	set := make(map[string]string, len(available)*2)
	for _, m := range available {
		set[strings.ToLower(m)] = m
		base := strings.SplitN(strings.ToLower(m), ":", 2)[0]
		if _, ok := set[base]; !ok {
			set[base] = m
		}
	}

	candidates := append([]string{c.cfg.EmbeddingModel}, c.cfg.FallbackModels...)
	for _, name := range candidates {
		if name == "" {
			continue
		}
		lower := strings.ToLower(name)
		if actual, ok := set[lower]; ok {
			c.mu.Lock()
			c.resolved = actual
			c.mu.Unlock()
			return actual, nil
		}
		base := strings.SplitN(lower, ":", 2)[0]
		if actual, ok := set[base]; ok {
			c.mu.Lock()
			c.resolved = actual
			c.mu.Unlock()
			return actual, nil
		}
	}
	return "", magerr.Backend(fmt.Sprintf("no embedding model available (tried %v)", candidates), nil)
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text. The dimension is stable
// across calls for a given model.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	model, err := c.resolveModel(ctx)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(embedRequest{Model: model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, magerr.Backend("failed to build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, magerr.Backend("embed request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, magerr.Backend(fmt.Sprintf("embed failed with status %d: %s", resp.StatusCode, respBody), nil)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, magerr.Backend("failed to decode embed response", err)
	}

	c.mu.Lock()
	if c.dims == 0 {
		c.dims = len(parsed.Embedding)
	}
	c.mu.Unlock()

	return parsed.Embedding, nil
}

// Dimensions returns the detected (or configured) embedding dimension, 0
// if Embed has never been called and none was configured.
func (c *Client) Dimensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dims
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Chat sends a (system?, user) exchange to the configured chat model and
// returns the assistant's reply text.
func (c *Client) Chat(ctx context.Context, system, user string, temperature float64, maxTokens int) (string, error) {
	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, _ := json.Marshal(chatRequest{
		Model:    c.cfg.ChatModel,
		Messages: messages,
		Stream:   false,
		Options:  chatOptions{Temperature: temperature, NumPredict: maxTokens},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", magerr.Backend("failed to build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", magerr.Backend("chat request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", magerr.Backend(fmt.Sprintf("chat failed with status %d: %s", resp.StatusCode, respBody), nil)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", magerr.Backend("failed to decode chat response", err)
	}
	return parsed.Message.Content, nil
}

// Close releases pooled connections.
func (c *Client) Close() {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
