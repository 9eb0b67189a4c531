// Package webhook delivers dispatch payloads to per-resource HTTP targets.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hemsd/hemsd/core/dispatch"
	"github.com/hemsd/hemsd/core/logger"
	"github.com/hemsd/hemsd/core/model"
)

// Config configures the webhook sender.
type Config struct {
	// DefaultTimeoutSeconds applies when a target does not configure its own.
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds"`
	UserAgent             string `json:"user_agent"`
}

// Sender posts JSON payloads to output targets. Receivers deduplicate via the
// X-Idempotency-Key header; retrying is the engine's job, one call is one
// attempt.
type Sender struct {
	http *http.Client
	cfg  Config
	log  logger.Logger
}

var _ dispatch.Sender = (*Sender)(nil)

// New creates a Sender.
func New(cfg Config, log logger.Logger) *Sender {
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hemsd"
	}
	return &Sender{
		// Per-request timeouts come from the target; the client itself has none.
		http: &http.Client{},
		cfg:  cfg,
		log:  log,
	}
}

// Send delivers one payload to the target. It returns the upstream HTTP
// status (0 when the request never completed) and an error for any non-2xx
// outcome.
func (s *Sender) Send(ctx context.Context, target model.OutputTarget, payload map[string]any, idempotencyKey string) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	timeout := time.Duration(target.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.DefaultTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := target.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("X-Idempotency-Key", idempotencyKey)
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook %s returned status %d", target.URL, resp.StatusCode)
	}
	return resp.StatusCode, nil
}
