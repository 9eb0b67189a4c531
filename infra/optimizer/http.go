// Package optimizer provides the HTTP client for the external optimizer API.
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hemsd/hemsd/core/logger"
	core "github.com/hemsd/hemsd/core/optimizer"
)

// Config configures the HTTP client.
type Config struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Client talks to the optimizer's REST API. It implements
// core/optimizer.Client; every non-2xx response becomes an *APIError carrying
// the upstream status and detail text.
type Client struct {
	baseURL string
	http    *http.Client
	log     logger.Logger
}

var _ core.Client = (*Client)(nil)

// New creates a Client. The default request timeout is 30 seconds.
func New(cfg Config, log logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("optimizer: base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("optimizer: invalid base_url: %w", err)
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

// do performs one request and decodes a JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &core.APIError{StatusCode: resp.StatusCode, Detail: extractDetail(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// extractDetail pulls the "detail" field from an error body, falling back to
// the raw text.
func extractDetail(data []byte) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	s := string(data)
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func (c *Client) GetHealth(ctx context.Context) (core.Health, error) {
	var payload map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &payload); err != nil {
		return core.Health{}, err
	}
	return core.Health{
		Payload:     payload,
		LastRun:     timeField(payload, "last_run_datetime"),
		StartupTime: timeField(payload, "startup_datetime"),
	}, nil
}

func timeField(payload map[string]any, key string) *time.Time {
	s, ok := payload[key].(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/config", nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) PutConfig(ctx context.Context, doc map[string]any) error {
	return c.do(ctx, http.MethodPut, "/v1/config", nil, doc, nil)
}

// PutConfigPath writes one value at a dotted path, e.g. "ems.interval".
func (c *Client) PutConfigPath(ctx context.Context, path string, value any) error {
	return c.do(ctx, http.MethodPut, "/v1/config/"+url.PathEscape(path), nil, value, nil)
}

// SaveConfigFile persists the optimizer's in-memory config to its config file.
func (c *Client) SaveConfigFile(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/v1/config/file", nil, nil, nil)
}

func (c *Client) GetPlan(ctx context.Context) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/energy-management/plan", nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) GetSolution(ctx context.Context) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/energy-management/optimization/solution", nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) GetPredictionKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := c.do(ctx, http.MethodGet, "/v1/prediction/keys", nil, nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func rangeQuery(key string, start, end *time.Time) url.Values {
	q := url.Values{"key": {key}}
	if start != nil {
		q.Set("start_datetime", start.UTC().Format(time.RFC3339))
	}
	if end != nil {
		q.Set("end_datetime", end.UTC().Format(time.RFC3339))
	}
	return q
}

func (c *Client) GetPredictionSeries(ctx context.Context, key string, start, end *time.Time) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/prediction/series", rangeQuery(key, start, end), nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) GetPredictionList(ctx context.Context, key string, start, end *time.Time, interval string) ([]float64, error) {
	q := rangeQuery(key, start, end)
	if interval != "" {
		q.Set("interval", interval)
	}
	var values []float64
	if err := c.do(ctx, http.MethodGet, "/v1/prediction/list", q, nil, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (c *Client) TriggerPredictionUpdate(ctx context.Context, forceUpdate, forceEnable bool) error {
	q := url.Values{
		"force_update": {strconv.FormatBool(forceUpdate)},
		"force_enable": {strconv.FormatBool(forceEnable)},
	}
	return c.do(ctx, http.MethodPost, "/v1/prediction/update", q, nil, nil)
}

func (c *Client) TriggerPredictionUpdateProvider(ctx context.Context, providerID string, forceUpdate, forceEnable bool) error {
	q := url.Values{
		"force_update": {strconv.FormatBool(forceUpdate)},
		"force_enable": {strconv.FormatBool(forceEnable)},
	}
	return c.do(ctx, http.MethodPost, "/v1/prediction/update/"+url.PathEscape(providerID), q, nil, nil)
}

func (c *Client) GetMeasurementKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := c.do(ctx, http.MethodGet, "/v1/measurement/keys", nil, nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *Client) PutMeasurementValue(ctx context.Context, key string, value float64, ts time.Time) error {
	q := url.Values{
		"key":      {key},
		"value":    {strconv.FormatFloat(value, 'f', -1, 64)},
		"datetime": {ts.UTC().Format(time.RFC3339)},
	}
	return c.do(ctx, http.MethodPut, "/v1/measurement/value", q, nil, nil)
}

// RunOptimize invokes the legacy direct optimization endpoint. It carries a
// generous timeout because the optimizer solves synchronously.
func (c *Client) RunOptimize(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodPost, "/optimize", nil, payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) RestartServer(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/server/restart", nil, nil, nil)
}
