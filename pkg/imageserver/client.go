// Package imageserver fetches raster blocks from an ArcGIS-style ImageServer
// through its exportImage operation, one tile-sized image per request.
package imageserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAccessDenied      = errors.New("access denied")
	ErrNotFound          = errors.New("not found")
	ErrMalformedResponse = errors.New("malformed response")
	ErrRetriesExhausted  = errors.New("retries exhausted")

	// ErrNoData marks a response too small to be an image. The tile is
	// skipped, not retried.
	ErrNoData = errors.New("no data for tile")
)

// MinImageBytes is the smallest response accepted as an image.
const MinImageBytes = 100

// Config controls requests and retries.
type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Format         string
	UserAgent      string
}

// DefaultConfig returns three attempts with exponential backoff from one second.
func DefaultConfig() Config {
	return Config{
		Timeout:        60 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Format:         "tiff",
		UserAgent:      "raquet/1.0",
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Client talks to one ImageServer endpoint.
type Client struct {
	base  string
	cfg   Config
	http  *http.Client
	log   *slog.Logger
	sleep Sleeper
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// NewClient returns a client for the service at serviceURL, for example
// https://host/arcgis/rest/services/Elevation/ImageServer.
func NewClient(serviceURL string, cfg Config, opts ...Option) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Format == "" {
		cfg.Format = "tiff"
	}
	c := &Client{
		base: strings.TrimRight(serviceURL, "/"),
		cfg:  cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:   slog.Default(),
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// statusError is a non-success HTTP status the client may retry.
type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.code)
}

func classifyStatus(code int, header http.Header) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrAuthRequired
	case code == http.StatusForbidden:
		return ErrAccessDenied
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return &statusError{code: code, retryAfter: parseRetryAfter(header.Get("Retry-After"))}
	}
	return fmt.Errorf("%w: unexpected status %d", ErrMalformedResponse, code)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// dial, read and write failures; scheme, TLS and redirect errors are final
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// backoff returns the wait before retry number attempt (1-based).
func (c *Client) backoff(attempt int, err error) time.Duration {
	var se *statusError
	if errors.As(err, &se) && se.retryAfter > 0 {
		return min(se.retryAfter, c.cfg.MaxBackoff)
	}
	d := c.cfg.InitialBackoff << (attempt - 1)
	if d <= 0 || (c.cfg.MaxBackoff > 0 && d > c.cfg.MaxBackoff) {
		d = c.cfg.MaxBackoff
	}
	return d
}

// get fetches u, retrying timeouts, network errors, 429 and 5xx up to
// MaxAttempts total attempts.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt-1, lastErr)
			c.log.Debug("retrying request", "url", u, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		data, err := c.do(ctx, u)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, classifyStatus(resp.StatusCode, resp.Header)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := serviceError(data); err != nil {
		return nil, err
	}
	return data, nil
}

// serviceError detects the JSON error envelope ArcGIS returns with status 200.
func serviceError(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var env struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Error == nil {
		return nil
	}
	switch env.Error.Code {
	case 401, 498, 499:
		return fmt.Errorf("%w: %s", ErrAuthRequired, env.Error.Message)
	case 403:
		return fmt.Errorf("%w: %s", ErrAccessDenied, env.Error.Message)
	case 404:
		return fmt.Errorf("%w: %s", ErrNotFound, env.Error.Message)
	case 429, 500, 502, 503, 504:
		return &statusError{code: env.Error.Code}
	}
	return fmt.Errorf("%w: service error %d: %s", ErrMalformedResponse, env.Error.Code, env.Error.Message)
}
