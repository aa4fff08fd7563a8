// Package embed turns claim text into embedding vectors via
// OpenAI-compatible APIs. The embedding model is an external
// collaborator: when it is unreachable the caller degrades (claims
// queue unclustered) rather than failing hard.
//
// Supported providers:
// - ollama: http://localhost:11434/v1/embeddings
// - openai: https://api.openai.com/v1/embeddings
// - custom: endpoint from CLAIMGRAPH_EMBED_ENDPOINT
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrEmbeddingUnavailable is returned when the provider could not be
// reached within the retry budget. Retriable: the claim can be
// resubmitted once the provider recovers.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// Embedder generates embedding vectors from claim text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider    string // "ollama", "openai", "custom"
	Model       string
	Endpoint    string
	APIKey      string
	MaxRetries  int // default 3
	TimeoutSecs int // per-request, default 60

	dimensions int // learned from the first response
}

// ParseProviderModel parses the "provider/model" form used by the
// --embed flag and the CLAIMGRAPH_EMBED env var. Model names may
// themselves contain slashes.
func ParseProviderModel(s string) (*Config, error) {
	if s == "" {
		return nil, fmt.Errorf("empty embedding spec")
	}
	slash := strings.Index(s, "/")
	if slash <= 0 || slash == len(s)-1 {
		return nil, fmt.Errorf("invalid embedding spec %q: expected provider/model", s)
	}

	cfg := &Config{
		Provider:    s[:slash],
		Model:       s[slash+1:],
		MaxRetries:  3,
		TimeoutSecs: 60,
	}

	switch cfg.Provider {
	case "ollama":
		cfg.Endpoint = "http://localhost:11434/v1/embeddings"
	case "openai":
		cfg.Endpoint = "https://api.openai.com/v1/embeddings"
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	case "custom":
		cfg.Endpoint = os.Getenv("CLAIMGRAPH_EMBED_ENDPOINT")
		cfg.APIKey = os.Getenv("CLAIMGRAPH_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (supported: ollama, openai, custom)", cfg.Provider)
	}

	if v := os.Getenv("CLAIMGRAPH_EMBED_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("CLAIMGRAPH_EMBED_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	return cfg, nil
}

// Validate checks the configuration is complete.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Provider != "ollama" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q", c.Provider)
	}
	return nil
}

// Client is the HTTP Embedder.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates an embedding client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid embedding config: %w", err)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 60
	}
	return &Client{
		cfg:  *cfg,
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}, nil
}

// Dimensions returns the vector size learned from the first call, or 0.
func (c *Client) Dimensions() int {
	return c.cfg.dimensions
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates the embedding vector for one claim text. On
// exhaustion the returned error wraps ErrEmbeddingUnavailable.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty claim text")
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			var httpErr *httpError
			if errors.As(lastErr, &httpErr) && httpErr.retryAfter > 0 {
				backoff = httpErr.retryAfter
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, ctx.Err())
			}
		}

		vec, err := c.attempt(ctx, text)
		if err == nil {
			c.cfg.dimensions = len(vec)
			return vec, nil
		}
		lastErr = err

		var httpErr *httpError
		if errors.As(err, &httpErr) && !httpErr.transient() {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: after %d attempts: %v", ErrEmbeddingUnavailable, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("encoding embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &httpError{status: 0, message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		he := &httpError{status: resp.StatusCode, message: string(data)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				he.retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, he
	}

	var er embedResponse
	if err := json.Unmarshal(data, &er); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(er.Data) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(er.Data))
	}
	return er.Data[0].Embedding, nil
}

// httpError carries the status and the server's requested retry delay.
type httpError struct {
	status     int
	message    string
	retryAfter time.Duration
}

func (e *httpError) Error() string {
	if e.status == 0 {
		return e.message
	}
	return fmt.Sprintf("HTTP %d: %s", e.status, e.message)
}

// transient reports whether the failure is worth retrying.
func (e *httpError) transient() bool {
	return e.status == 0 || e.status == http.StatusTooManyRequests || e.status >= 500
}
