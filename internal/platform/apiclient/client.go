// Package apiclient wraps every outbound call the portal makes to the report,
// auth and AI backends. A single Request function classifies responses into
// raw text, decoded JSON, or one of the typed errors in errors.go; the typed
// endpoint helpers are thin wrappers around it.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

const (
	// DefaultBaseURL serves the auth and report routes.
	DefaultBaseURL = "http://localhost:8000/api/v1"
	// DefaultAIBaseURL serves the /api/... processing and chat routes.
	DefaultAIBaseURL = "http://localhost:8000"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client. The client's cookie jar
// is kept if it has one; otherwise the default jar is attached.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAIBaseURL sets the base URL for the /api/... routes.
func WithAIBaseURL(u string) Option {
	return func(c *Client) { c.aiBaseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	aiBaseURL  string
	httpClient *http.Client
	logger     zerolog.Logger

	mu          sync.RWMutex
	accessToken string
}

// New creates a Client rooted at baseURL. An empty baseURL falls back to
// DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		aiBaseURL:  DefaultAIBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient.Jar == nil {
		// Credentials ride on cookies, so every client carries a jar.
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err == nil {
			c.httpClient.Jar = jar
		}
	}
	return c
}

// BaseURL returns the auth/report base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// AIBaseURL returns the base URL of the /api/... routes.
func (c *Client) AIBaseURL() string { return c.aiBaseURL }

// SetAccessToken attaches a bearer token to subsequent requests. An empty
// token removes the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// -- Request --

type requestConfig struct {
	body    io.Reader
	length  int64
	headers http.Header
	base    string
	err     error
}

// RequestOption customizes a single Request call.
type RequestOption func(*requestConfig)

// WithJSON marshals v as the request body.
func WithJSON(v any) RequestOption {
	return func(rc *requestConfig) {
		b, err := json.Marshal(v)
		if err != nil {
			rc.err = fmt.Errorf("encode request body: %w", err)
			return
		}
		rc.body = bytes.NewReader(b)
		rc.length = int64(len(b))
	}
}

// WithBody sends r as the request body. length may be -1 when unknown.
func WithBody(r io.Reader, length int64) RequestOption {
	return func(rc *requestConfig) {
		rc.body = r
		rc.length = length
	}
}

// WithHeader sets a request header, overriding the JSON default for
// Content-Type when given.
func WithHeader(key, value string) RequestOption {
	return func(rc *requestConfig) { rc.headers.Set(key, value) }
}

// onAI routes the request to the AI base URL instead of the report base URL.
func onAI(c *Client) RequestOption {
	return func(rc *requestConfig) { rc.base = c.aiBaseURL }
}

// Result is a classified 2xx response.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// IsJSON is true when the response declared a JSON content type and
	// its body decoded successfully.
	IsJSON bool
}

// Text returns the raw response body.
func (r *Result) Text() string { return string(r.Body) }

// Decode unmarshals a JSON response into v.
func (r *Result) Decode(v any) error {
	if !r.IsJSON {
		return fmt.Errorf("response is %q, not JSON", r.ContentType)
	}
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Request issues method path against the report base URL (or the AI base URL
// for the /api routes) and classifies the response:
//   - transport failure: *NetworkError
//   - JSON content type with an unparsable body: *InvalidResponseError
//   - status outside 200-299: *APIError
//   - otherwise a Result; non-JSON bodies are kept as raw text.
//
// No retry is performed.
func (c *Client) Request(ctx context.Context, method, path string, opts ...RequestOption) (*Result, error) {
	rc := &requestConfig{headers: http.Header{}, base: c.baseURL, length: -1}
	rc.headers.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(rc)
	}
	if rc.err != nil {
		return nil, rc.err
	}

	url := rc.base + path
	c.logger.Debug().Str("method", method).Str("url", url).Msg("api request")

	req, err := http.NewRequestWithContext(ctx, method, url, rc.body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if rc.body != nil && rc.length >= 0 {
		req.ContentLength = rc.length
	}
	for k, vs := range rc.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("url", url).Msg("network error")
		return nil, &NetworkError{Method: method, URL: url, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error().Err(err).Str("url", url).Msg("read response body failed")
		return nil, &NetworkError{Method: method, URL: url, Err: err}
	}

	ct := resp.Header.Get("Content-Type")
	res := &Result{StatusCode: resp.StatusCode, ContentType: ct, Body: body}

	var parsed any
	if isJSONContentType(ct) {
		if err := json.Unmarshal(body, &parsed); err != nil {
			c.logger.Error().Err(err).Str("url", url).Msg("JSON parse failed")
			return nil, &InvalidResponseError{URL: url, Err: err}
		}
		res.IsJSON = true
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorMessage(res, parsed, resp.StatusCode)
		c.logger.Error().Int("status", resp.StatusCode).Str("message", msg).Msg("server returned error")
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return res, nil
}

func isJSONContentType(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "application/json")
}

// errorMessage picks detail, then message, then the raw body, then the
// status text.
func errorMessage(res *Result, parsed any, status int) string {
	if obj, ok := parsed.(map[string]any); ok {
		for _, key := range []string{"detail", "message"} {
			if s := messageField(obj[key]); s != "" {
				return s
			}
		}
	}
	if raw := strings.TrimSpace(string(res.Body)); raw != "" && raw != "null" {
		return raw
	}
	return http.StatusText(status)
}

func messageField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if !t {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unwrapURLError(err error) error {
	var ue interface{ Unwrap() error }
	if errors.As(err, &ue) {
		if inner := ue.Unwrap(); inner != nil {
			return inner
		}
	}
	return err
}
