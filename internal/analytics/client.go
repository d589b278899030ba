package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/metrics"
)

const maxErrorBody = 2048

// QueryResult is the tabular response of executeQueries.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Records returns each row keyed by column name. Rows shorter than the
// column list leave the missing columns absent.
func (r *QueryResult) Records() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		rec := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

type queryRequest struct {
	Queries            []queryText        `json:"queries"`
	SerializerSettings serializerSettings `json:"serializerSettings"`
}

type queryText struct {
	Query string `json:"query"`
}

type serializerSettings struct {
	IncludeNulls bool `json:"includeNulls"`
}

// ClientConfig configures the analytics API client.
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client runs dataset queries against the analytics API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg ClientConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// ExecuteQuery runs query against datasetID. Any failure, transport or HTTP,
// wraps ErrUpstreamQuery.
func (c *Client) ExecuteQuery(ctx context.Context, token, datasetID, query string) (*QueryResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for rate limiter: %v", ErrUpstreamQuery, err)
	}

	body, err := json.Marshal(queryRequest{
		Queries:            []queryText{{Query: query}},
		SerializerSettings: serializerSettings{IncludeNulls: true},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	endpoint := fmt.Sprintf("%s/datasets/%s/executeQueries", c.baseURL, url.PathEscape(datasetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamQueries.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamQuery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamQueries.WithLabelValues("rejected").Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &QueryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var result QueryResult
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		metrics.UpstreamQueries.WithLabelValues("bad_response").Inc()
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUpstreamQuery, err)
	}
	metrics.UpstreamQueries.WithLabelValues("ok").Inc()

	logger.Log.Debug("Executed dataset query",
		zap.String("dataset_id", datasetID),
		zap.Int("rows", len(result.Rows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &result, nil
}
