package evm

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

	"github.com/rs/zerolog"
)

// ErrMalformedResponse is returned when the facilitator answers 200 with a
// body missing required fields.
var ErrMalformedResponse = errors.New("malformed facilitator response")

// FacilitatorClient handles communication with an x402 facilitator service.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	retries   int
	backoff   time.Duration
	healthTTL time.Duration

	mu     sync.Mutex
	health *Health
}

// FacilitatorOption configures a FacilitatorClient.
type FacilitatorOption func(*FacilitatorClient)

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(c *http.Client) FacilitatorOption {
	return func(f *FacilitatorClient) { f.httpClient = c }
}

// WithFacilitatorLogger logs malformed and failed facilitator responses.
func WithFacilitatorLogger(log zerolog.Logger) FacilitatorOption {
	return func(f *FacilitatorClient) { f.log = log }
}

// WithRetries sets how many times idempotent calls (/verify, /supported) are
// retried after a transport error or a 5xx, waiting backoff between tries.
// /settle is never retried.
func WithRetries(n int, backoff time.Duration) FacilitatorOption {
	return func(f *FacilitatorClient) {
		f.retries = n
		f.backoff = backoff
	}
}

// WithHealthTTL sets how long a health probe result is reused.
func WithHealthTTL(ttl time.Duration) FacilitatorOption {
	return func(f *FacilitatorClient) { f.healthTTL = ttl }
}

// NewFacilitatorClient creates a new facilitator client
func NewFacilitatorClient(baseURL string, opts ...FacilitatorOption) *FacilitatorClient {
	c := &FacilitatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:       zerolog.Nop(),
		retries:   2,
		backoff:   200 * time.Millisecond,
		healthTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify checks if a payment is valid via POST /verify.
func (c *FacilitatorClient) Verify(ctx context.Context, req *FacilitatorRequest) (*FacilitatorVerifyResponse, error) {
	var resp FacilitatorVerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", req, &resp, c.retries); err != nil {
		return nil, err
	}
	if resp.IsValid == nil {
		return nil, c.malformed("/verify", "isValid is missing")
	}
	if !*resp.IsValid && resp.InvalidReason == "" {
		resp.InvalidReason = "rejected by facilitator"
	}
	return &resp, nil
}

// Settle executes the payment on-chain via POST /settle.
func (c *FacilitatorClient) Settle(ctx context.Context, req *FacilitatorRequest) (*FacilitatorSettleResponse, error) {
	var resp FacilitatorSettleResponse
	if err := c.do(ctx, http.MethodPost, "/settle", req, &resp, 0); err != nil {
		return nil, err
	}
	if resp.Success == nil {
		return nil, c.malformed("/settle", "success is missing")
	}
	if *resp.Success && resp.TransactionHash == "" {
		return nil, c.malformed("/settle", "success without txHash")
	}
	if !*resp.Success && resp.ErrorReason == "" {
		resp.ErrorReason = "settlement rejected by facilitator"
	}
	return &resp, nil
}

// GetSupported fetches the scheme and network pairs via GET /supported.
func (c *FacilitatorClient) GetSupported(ctx context.Context) (*FacilitatorSupportedResponse, error) {
	var resp FacilitatorSupportedResponse
	if err := c.do(ctx, http.MethodGet, "/supported", nil, &resp, c.retries); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health is the outcome of a facilitator probe.
type Health struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
	Error     string        `json:"error,omitempty"`
}

// Health probes /supported, reusing a result younger than the health TTL.
func (c *FacilitatorClient) Health(ctx context.Context) Health {
	c.mu.Lock()
	if c.health != nil && time.Since(c.health.CheckedAt) < c.healthTTL {
		h := *c.health
		c.mu.Unlock()
		return h
	}
	c.mu.Unlock()

	start := time.Now()
	err := c.do(ctx, http.MethodGet, "/supported", nil, &FacilitatorSupportedResponse{}, 0)
	h := Health{
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: start,
	}
	if err != nil {
		h.Error = err.Error()
	}

	c.mu.Lock()
	c.health = &h
	c.mu.Unlock()
	return h
}

func (c *FacilitatorClient) do(ctx context.Context, method, path string, in, out interface{}, retries int) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
	}

	var err error
	for attempt := 0; ; attempt++ {
		var retryable bool
		retryable, err = c.once(ctx, method, path, body, out)
		if err == nil || !retryable || attempt >= retries {
			return err
		}
		c.log.Debug().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("retrying facilitator call")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.backoff):
		}
	}
}

func (c *FacilitatorClient) once(ctx context.Context, method, path string, body []byte, out interface{}) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("failed to call facilitator %s endpoint: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read facilitator %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Bytes("body", raw).Msg("facilitator error")
		return resp.StatusCode >= 500, fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Warn().Str("path", path).Bytes("body", raw).Msg("undecodable facilitator response")
		return false, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	return false, nil
}

func (c *FacilitatorClient) malformed(path, reason string) error {
	c.log.Warn().Str("path", path).Str("reason", reason).Msg("incomplete facilitator response")
	return fmt.Errorf("%w: %s: %s", ErrMalformedResponse, path, reason)
}
