package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/tillsync/internal/apperr"
	"github.com/tonimelisma/tillsync/internal/record"
	"github.com/tonimelisma/tillsync/internal/store"
)

// Retry and backoff constants.
const (
	defaultMaxRetries = 3
	baseBackoff       = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	defaultUserAgent  = "tillsync/0.1"
	maxFrameBytes     = 32 << 20 // largest accepted snapshot frame
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the document store root, e.g. https://api.example.com/v1.
	BaseURL string
	// HTTPClient performs requests. Its Timeout must be zero when
	// subscriptions are used; the WebSocket dial relies on the context.
	HTTPClient *http.Client
	// Token supplies bearer tokens. Nil sends unauthenticated requests.
	Token oauth2.TokenSource
	// RequestsPerSecond caps the request rate. Zero means unlimited.
	RequestsPerSecond float64
	UserAgent         string
	// MaxRetries bounds retries of transient failures. Zero uses the default,
	// negative disables retries.
	MaxRetries int
}

// Client is the HTTP implementation of Backend. It handles request
// construction, authentication, rate limiting, retry with exponential
// backoff, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      oauth2.TokenSource
	limiter    *rate.Limiter
	userAgent  string
	maxRetries int
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a document store client.
func NewClient(opts ClientOptions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := max(1, int(math.Ceil(opts.RequestsPerSecond)))
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	retries := opts.MaxRetries
	switch {
	case retries == 0:
		retries = defaultMaxRetries
	case retries < 0:
		retries = 0
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		token:      opts.Token,
		limiter:    limiter,
		userAgent:  ua,
		maxRetries: retries,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

func documentsPath(collection string) string {
	return "/collections/" + url.PathEscape(collection) + "/documents"
}

func documentPath(collection, id string) string {
	return documentsPath(collection) + "/" + url.PathEscape(id)
}

// encodeQuery renders options as ?where=field:op:value&orderBy=&desc=&limit=.
// Only the first sort key is sent; the adapter re-applies the full options.
func encodeQuery(q store.Options) string {
	v := url.Values{}

	for _, f := range q.Filters {
		v.Add("where", fmt.Sprintf("%s:%s:%v", f.Field, f.Op, f.Value))
	}

	if len(q.Sort) > 0 {
		v.Set("orderBy", q.Sort[0].Field)

		if q.Sort[0].Desc {
			v.Set("desc", "true")
		}
	}

	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	if len(v) == 0 {
		return ""
	}

	return "?" + v.Encode()
}

// Fetch returns the documents of collection matching q.
func (c *Client) Fetch(ctx context.Context, collection string, q store.Options) ([]record.Doc, error) {
	var out struct {
		Documents []record.Doc `json:"documents"`
	}

	if err := c.doJSON(ctx, http.MethodGet, documentsPath(collection)+encodeQuery(q), nil, &out); err != nil {
		return nil, err
	}

	return out.Documents, nil
}

// Create stores a new document. The server keeps the supplied id and
// assigns createdAt and updatedAt.
func (c *Client) Create(ctx context.Context, collection string, doc record.Doc) (record.Doc, error) {
	var out record.Doc
	if err := c.doJSON(ctx, http.MethodPost, documentsPath(collection), doc, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Update patches the named fields of a document.
func (c *Client) Update(ctx context.Context, collection, id string, fields record.Fields) (record.Doc, error) {
	var out record.Doc
	if err := c.doJSON(ctx, http.MethodPatch, documentPath(collection, id), fields, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Delete removes a document.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.doJSON(ctx, http.MethodDelete, documentPath(collection, id), nil, nil)
}

// doJSON sends body as JSON and decodes a 2xx response into out. A nil out
// discards the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encoding %s %s body: %w", method, path, err)
		}
	}

	resp, err := c.Do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Classify(fmt.Errorf("remote: decoding %s %s response: %w", method, path, err))
	}

	return nil
}

// Do executes an HTTP request against the document store, retrying
// transient failures. The path is appended to the base URL. The body is
// resent verbatim on each attempt. The caller closes the response body on
// success. Errors are classified with apperr.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	target := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, target, body)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			if attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("remote: %s %s failed after %d attempts: %w",
				method, path, attempt+1, apperr.Classify(err))
		}

		// 2xx: success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, decodeError(resp.StatusCode, errBody, resp.Header.Get("X-Request-Id"))
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if err := c.authorize(req.Header); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) authorize(h http.Header) error {
	if c.token == nil {
		return nil
	}

	tok, err := c.token.Token()
	if err != nil {
		return &apperr.Error{Kind: apperr.ErrAuth, Message: "obtaining token: " + err.Error()}
	}

	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)

	return nil
}

// Subscribe dials the collection's WebSocket snapshot stream.
func (c *Client) Subscribe(ctx context.Context, collection string, q store.Options) (Stream, error) {
	target := c.baseURL + "/collections/" + url.PathEscape(collection) + "/subscribe" + encodeQuery(q)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("remote: waiting for rate limiter: %w", err)
	}

	header := http.Header{}
	header.Set("User-Agent", c.userAgent)

	if err := c.authorize(header); err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: c.httpClient.Transport},
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			return nil, decodeError(resp.StatusCode, body, resp.Header.Get("X-Request-Id"))
		}

		return nil, fmt.Errorf("remote: subscribing to %s: %w", collection, apperr.Classify(err))
	}

	conn.SetReadLimit(maxFrameBytes)

	c.logger.Debug("subscription connected", slog.String("collection", collection))

	return &wsStream{conn: conn, collection: collection}, nil
}

// wsStream reads JSON snapshot frames from a WebSocket connection.
type wsStream struct {
	conn       *websocket.Conn
	collection string
}

func (s *wsStream) Next(ctx context.Context) (Snapshot, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return Snapshot{}, io.EOF
		}

		if ctx.Err() != nil {
			return Snapshot{}, ctx.Err()
		}

		return Snapshot{}, fmt.Errorf("remote: reading %s snapshot: %w", s.collection, apperr.Classify(err))
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	return jitteredBackoff(baseBackoff, maxBackoff, attempt)
}

func jitteredBackoff(base, ceiling time.Duration, attempt int) time.Duration {
	backoff := float64(base) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(ceiling) {
		backoff = float64(ceiling)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
