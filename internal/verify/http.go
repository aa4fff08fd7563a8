package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/whatsamyth/claimgraph/internal/store"
)

// HTTPVerifier calls an external verification service over HTTP.
// Request: POST {endpoint} with {"cluster_id": N, "claim_text": "..."}.
// Response: the verdict payload (status, confidence_score, short_reply,
// long_reply, sources, evidence_snippets).
type HTTPVerifier struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxRetries int
}

// HTTPConfig configures the HTTP verifier.
type HTTPConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration // per-request; 0 = 30s
	MaxRetries int           // transient HTTP retries; 0 = 2
}

type verifyRequest struct {
	ClusterID int64  `json:"cluster_id"`
	ClaimText string `json:"claim_text"`
}

type verifyResponse struct {
	Status     string         `json:"status"`
	Confidence float64        `json:"confidence_score"`
	ShortReply string         `json:"short_reply"`
	LongReply  string         `json:"long_reply"`
	Sources    []store.Source `json:"sources"`
	Evidence   []string       `json:"evidence_snippets"`
}

// NewHTTPVerifier creates a verifier against the given endpoint.
func NewHTTPVerifier(cfg HTTPConfig) (*HTTPVerifier, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("verifier endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	return &HTTPVerifier{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: retries,
	}, nil
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, clusterID int64, claimText string) (*store.Verdict, error) {
	body, err := json.Marshal(verifyRequest{ClusterID: clusterID, ClaimText: claimText})
	if err != nil {
		return nil, fmt.Errorf("encoding verify request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * time.Second
			if lastErr != nil {
				if ra, ok := lastErr.(*retryAfterError); ok && ra.after > 0 {
					wait = ra.after
				}
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		verdict, err := v.doRequest(ctx, body)
		if err == nil {
			verdict.ClusterID = clusterID
			return verdict, nil
		}
		lastErr = err
		if _, retriable := err.(*retryAfterError); !retriable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("verify request failed after %d attempts: %w", v.maxRetries+1, lastErr)
}

func (v *HTTPVerifier) doRequest(ctx context.Context, body []byte) (*store.Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, &retryAfterError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		after := parseRetryAfter(resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, resp.Body)
		return nil, &retryAfterError{
			err:   fmt.Errorf("verify endpoint returned %d", resp.StatusCode),
			after: after,
		}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("verify endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("decoding verify response: %w", err)
	}

	status, err := store.ParseStatus(vr.Status)
	if err != nil {
		return nil, fmt.Errorf("verify response: %w", err)
	}
	if !status.Terminal() {
		return nil, fmt.Errorf("verify response carries non-terminal status %q", vr.Status)
	}

	return &store.Verdict{
		Status:     status,
		Confidence: vr.Confidence,
		ShortReply: vr.ShortReply,
		LongReply:  vr.LongReply,
		Sources:    vr.Sources,
		Evidence:   vr.Evidence,
		VerifiedAt: time.Now().UTC(),
	}, nil
}

// retryAfterError marks a transient failure, optionally carrying the
// server's requested delay.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
