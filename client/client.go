// Package client sends single HTTP calls to the content-operations backend.
//
// A Dispatcher attaches exactly one credential per call (a bearer access
// token, or the static API key when no session exists) and turns non-2xx
// responses into *APIError. It never retries; renewal and retry belong to
// the session package.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/autoposter/console/internal/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderAPIKey    = "x-api-key"

	defaultUserAgent = "autoposter-console"
	maxResponseBytes = 8 << 20
)

// TokenSource supplies the stored access credential. An empty string means
// no session.
type TokenSource interface {
	AccessToken() string
}

// Request describes one backend call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-encoded unless it is already json.RawMessage or []byte.
	Body   any
	Header http.Header
	// SkipAuth sends the call without any credential.
	SkipAuth bool
	// Bearer overrides the stored access credential for this call.
	Bearer string
	// RequestID is sent as X-Request-ID. A fresh one is generated when empty.
	RequestID string
}

// Dispatcher performs single-attempt backend calls.
type Dispatcher struct {
	base      *url.URL
	http      *http.Client
	apiKey    string
	tokens    TokenSource
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the HTTP client. Its timeout bounds every call.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.http = c
		}
	}
}

// WithAPIKey sets the static service key sent when no session exists.
func WithAPIKey(key string) Option {
	return func(d *Dispatcher) { d.apiKey = key }
}

// WithTokenSource sets where the access credential is read from.
func WithTokenSource(ts TokenSource) Option {
	return func(d *Dispatcher) { d.tokens = ts }
}

// WithRateLimit throttles outbound calls to rps per second. Zero disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(d *Dispatcher) {
		if rps <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *Dispatcher) {
		if ua != "" {
			d.userAgent = ua
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New returns a Dispatcher for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Dispatcher, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api url %q: missing host", baseURL)
	}
	d := &Dispatcher{
		base:      u,
		http:      http.DefaultClient,
		userAgent: defaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "client")
	return d, nil
}

// BaseURL returns the backend base URL.
func (d *Dispatcher) BaseURL() string {
	return d.base.String()
}

// Do performs req once. It returns nil for 204 and empty bodies, the raw
// JSON body for other 2xx responses, and *APIError otherwise.
func (d *Dispatcher) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	httpReq, err := d.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := d.http.Do(httpReq)
	if err != nil {
		d.logger.Debug("api call failed", "method", httpReq.Method, "path", req.Path,
			"request_id", httpReq.Header.Get(HeaderRequestID), "error", err)
		return nil, fmt.Errorf("%s %s: %w", httpReq.Method, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	d.logger.Debug("api call", "method", httpReq.Method, "path", req.Path, "status", resp.StatusCode,
		"request_id", httpReq.Header.Get(HeaderRequestID), "elapsed", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	tooLarge := len(body) > maxResponseBytes
	if tooLarge {
		body = body[:maxResponseBytes]
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Status:     reasonPhrase(resp),
			Body:       string(body),
			RequestID:  httpReq.Header.Get(HeaderRequestID),
		}
	}
	if tooLarge {
		return nil, fmt.Errorf("%s %s: %w", httpReq.Method, req.Path, ErrResponseTooLarge)
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("decoding response: body is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func (d *Dispatcher) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := d.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := encodeBody(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", d.userAgent)
	if httpReq.Header.Get(HeaderRequestID) == "" {
		id := req.RequestID
		if id == "" {
			id = uuid.New()
		}
		httpReq.Header.Set(HeaderRequestID, id)
	}

	if !req.SkipAuth {
		token := req.Bearer
		if token == "" && d.tokens != nil {
			token = d.tokens.AccessToken()
		}
		switch {
		case token != "":
			httpReq.Header.Set("Authorization", "Bearer "+token)
		case d.apiKey != "":
			httpReq.Header.Set(HeaderAPIKey, d.apiKey)
		}
	}
	return httpReq, nil
}

// resolve appends path to the base URL. path is taken as already escaped,
// so an escaped slash inside one segment stays in that segment.
func (d *Dispatcher) resolve(path string) (*url.URL, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return nil, fmt.Errorf("request path %q: %w", path, err)
	}
	u := *d.base
	u.Path = strings.TrimSuffix(d.base.Path, "/") + unescaped
	u.RawPath = strings.TrimSuffix(d.base.EscapedPath(), "/") + path
	return &u, nil
}

func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		return data, nil
	}
}

// reasonPhrase extracts "Not Found" from "404 Not Found".
func reasonPhrase(resp *http.Response) string {
	if s, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok && s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}
