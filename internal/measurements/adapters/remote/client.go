// Package remote reads and writes the server copy of a measurement series.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"equisync/internal/auth"
	measurements "equisync/internal/measurements/domain"
)

const defaultTimeout = 10 * time.Second

// Client is the server-side measurement source.
type Client struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client, typically one whose
// transport is the offline proxy.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithServiceToken sets the bearer used when the context carries none.
func WithServiceToken(token string) Option {
	return func(c *Client) {
		c.serviceToken = token
	}
}

// NewClient constructs a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("remote: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ measurements.RemoteSource = (*Client)(nil)

type wireMeasurement struct {
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// Fetch loads the server series for key. A series the server does not know
// is empty rather than an error.
func (c *Client) Fetch(ctx context.Context, key measurements.SeriesKey) ([]measurements.Measurement, error) {
	var wire []wireMeasurement
	err := c.doJSON(ctx, http.MethodGet, seriesPath(key), nil, &wire)
	if errors.Is(err, errNotFound) {
		return []measurements.Measurement{}, nil
	}
	if err != nil {
		return nil, err
	}
	result := make([]measurements.Measurement, 0, len(wire))
	for _, w := range wire {
		result = append(result, measurements.Measurement{
			Value:      w.Value,
			Timestamp:  w.Timestamp.UTC(),
			Source:     measurements.SourceServer,
			Confidence: w.Confidence,
		})
	}
	return result, nil
}

// Upload sends local readings to the server.
func (c *Client) Upload(ctx context.Context, key measurements.SeriesKey, batch []measurements.Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	wire := make([]wireMeasurement, 0, len(batch))
	for _, m := range batch {
		wire = append(wire, wireMeasurement{Value: m.Value, Timestamp: m.Timestamp.UTC(), Confidence: m.Confidence})
	}
	return c.doJSON(ctx, http.MethodPost, seriesPath(key), wire, nil)
}

func seriesPath(key measurements.SeriesKey) string {
	return fmt.Sprintf("/api/v1/horses/%s/metrics/%s/measurements",
		url.PathEscape(key.HorseID), url.PathEscape(key.Metric))
}

var errNotFound = errors.New("remote: not found")

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", measurements.ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusServiceUnavailable:
		return measurements.ErrServerUnavailable
	case resp.StatusCode >= 300:
		return fmt.Errorf("remote: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

func (c *Client) bearer(ctx context.Context) string {
	if token := auth.BearerFromContext(ctx); token != "" {
		return token
	}
	return c.serviceToken
}
