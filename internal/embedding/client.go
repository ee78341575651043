// Package embedding turns record text into fixed-length float32 vectors by
// calling an HTTP embedding service in batches.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"horse.fit/newsdedup/internal/record"
)

const (
	DefaultEndpoint       = "https://api.openai.com/v1/embeddings"
	DefaultModel          = "text-embedding-3-small"
	DefaultDimensions     = 1536
	DefaultBatchSize      = 100
	DefaultConcurrency    = 2
	DefaultRequestTimeout = 45 * time.Second
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Options struct {
	Endpoint          string
	APIKey            string
	Model             string
	Dimensions        int
	BatchSize         int
	Concurrency       int
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	HTTPClient        *http.Client
}

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// BatchError reports which input range a failed request covered.
type BatchError struct {
	Start int
	End   int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedding batch [%d:%d]: %v", e.Start, e.End, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

type embedRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func NewClient(opts Options, logger zerolog.Logger) *Client {
	normalized := normalizeOptions(opts)

	limit := rate.Inf
	if normalized.RequestsPerSecond > 0 {
		limit = rate.Limit(normalized.RequestsPerSecond)
	}

	httpClient := normalized.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		opts:    normalized,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "embedding").Logger(),
	}
}

// InputText is the embedding input for a record. Identical title and body
// always yield identical input.
func InputText(title, body string) string {
	return "TITLE: " + title + " SUMMARY: " + body
}

// Embed sends texts in fixed-size batches, up to Concurrency at a time, and
// places every vector at its input index. Any failed batch fails the call;
// vectors are never zero-filled.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Concurrency)

	for start := 0; start < len(texts); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(texts))
		group.Go(func() error {
			if err := c.limiter.Wait(groupCtx); err != nil {
				return &BatchError{Start: start, End: end, Err: err}
			}
			vectors, err := c.requestBatch(groupCtx, texts[start:end])
			if err != nil {
				return &BatchError{Start: start, End: end, Err: err}
			}
			copy(out[start:end], vectors)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		c.logger.Error().Err(err).Int("texts", len(texts)).Msg("embedding failed")
		return nil, err
	}

	c.logger.Debug().
		Int("texts", len(texts)).
		Int("batch_size", c.opts.BatchSize).
		Msg("embedding completed")
	return out, nil
}

func (c *Client) requestBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := embedRequest{Texts: texts}
	if isOpenAIStyle(c.opts.Endpoint) {
		payload = embedRequest{Model: c.opts.Model, Input: texts}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.opts.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	raw := parsed.Embeddings
	if len(raw) == 0 && len(parsed.Data) > 0 {
		sort.SliceStable(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		raw = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			raw = append(raw, row.Embedding)
		}
	}
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d texts", len(raw), len(texts))
	}

	vectors := make([][]float32, len(raw))
	for i, values := range raw {
		vector := make([]float32, len(values))
		for j, value := range values {
			vector[j] = float32(value)
		}
		if c.opts.Dimensions > 0 && len(vector) != c.opts.Dimensions {
			return nil, fmt.Errorf("vector %d: %w: expected %d, got %d", i, ErrDimensionMismatch, c.opts.Dimensions, len(vector))
		}
		if err := record.ValidateVector(vector, 0); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// EmbedRecords returns copies of records with Embedding set.
func EmbedRecords(ctx context.Context, embedder Embedder, records []record.Record) ([]record.Record, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is nil")
	}
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = InputText(rec.Title, rec.Body)
	}

	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(records) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d records", len(vectors), len(records))
	}

	out := make([]record.Record, len(records))
	for i, rec := range records {
		if len(vectors[i]) == 0 {
			return nil, fmt.Errorf("record %q has no embedding", rec.URL)
		}
		rec.Embedding = vectors[i]
		out[i] = rec
	}
	return out, nil
}

func normalizeOptions(opts Options) Options {
	normalized := opts
	normalized.Endpoint = strings.TrimSpace(normalized.Endpoint)
	if normalized.Endpoint == "" {
		normalized.Endpoint = DefaultEndpoint
	}
	if strings.TrimSpace(normalized.Model) == "" {
		normalized.Model = DefaultModel
	}
	if normalized.Dimensions < 0 {
		normalized.Dimensions = 0
	}
	if normalized.BatchSize <= 0 {
		normalized.BatchSize = DefaultBatchSize
	}
	if normalized.Concurrency <= 0 {
		normalized.Concurrency = DefaultConcurrency
	}
	if normalized.RequestTimeout <= 0 {
		normalized.RequestTimeout = DefaultRequestTimeout
	}
	return normalized
}

func isOpenAIStyle(endpoint string) bool {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(parsed.Path, "/"), "/embeddings")
}
