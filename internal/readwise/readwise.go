// Package readwise saves highlights and Reader documents through the Readwise API.
package readwise

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://readwise.io"

	// CategoryShortFormPost is the highlight category Readwise uses for
	// short-form social posts.
	CategoryShortFormPost = "tweets"

	defaultRetryAfter  = time.Minute
	defaultCallTimeout = 20 * time.Second
	maxErrorBody       = 4 << 10
)

type Endpoint string

const (
	EndpointHighlights Endpoint = "highlights"
	EndpointDocuments  Endpoint = "documents"
)

func (e Endpoint) path() string {
	if e == EndpointDocuments {
		return "/api/v3/save/"
	}

	return "/api/v2/highlights/"
}

type Highlight struct {
	Text          string `json:"text"`
	Title         string `json:"title,omitempty"`
	Author        string `json:"author,omitempty"`
	SourceURL     string `json:"source_url,omitempty"`
	SourceType    string `json:"source_type,omitempty"`
	Category      string `json:"category,omitempty"`
	Note          string `json:"note,omitempty"`
	HighlightedAt string `json:"highlighted_at,omitempty"`
	HighlightURL  string `json:"highlight_url,omitempty"`
}

type Document struct {
	URL           string   `json:"url"`
	HTML          string   `json:"html,omitempty"`
	Title         string   `json:"title,omitempty"`
	Author        string   `json:"author,omitempty"`
	PublishedDate string   `json:"published_date,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// Payload holds exactly one of Highlight or Document.
type Payload struct {
	Highlight *Highlight
	Document  *Document
}

func (p Payload) Endpoint() Endpoint {
	if p.Document != nil {
		return EndpointDocuments
	}

	return EndpointHighlights
}

// Key identifies the saved item for logs: the highlight source URL or the
// document URL.
func (p Payload) Key() string {
	if p.Document != nil {
		return p.Document.URL
	}

	if p.Highlight != nil {
		return p.Highlight.SourceURL
	}

	return ""
}

func (p Payload) body() (any, error) {
	switch {
	case p.Document != nil && p.Highlight != nil:
		return nil, errors.New("payload has both highlight and document")
	case p.Document != nil:
		return p.Document, nil
	case p.Highlight != nil:
		return map[string][]*Highlight{"highlights": {p.Highlight}}, nil
	default:
		return nil, errors.New("payload is empty")
	}
}

// Error is a non-2xx Readwise response.
type Error struct {
	Endpoint   Endpoint
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("readwise %s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *Error) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Transient reports whether the same request can succeed later.
func (e *Error) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	callTimeout time.Duration
}

func New(baseURL string, callTimeout time.Duration, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{baseURL: baseURL, httpClient: httpClient, callTimeout: callTimeout}
}

// Save sends the payload to the endpoint matching its type.
func (c *Client) Save(ctx context.Context, apiKey string, p Payload) error {
	body, err := p.body()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := p.Endpoint()

	resp, err := c.do(ctx, http.MethodPost, endpoint.path(), apiKey, raw)
	if err != nil {
		return fmt.Errorf("save %s: %w", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(endpoint, resp)
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// VerifyToken reports whether Readwise accepts the access token.
func (c *Client) VerifyToken(ctx context.Context, apiKey string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v2/auth/", apiKey, nil)
	if err != nil {
		return false, fmt.Errorf("verify token: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, newError("auth", resp)
	}
}

func (c *Client) do(ctx context.Context, method string, path string, apiKey string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Token "+apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()

	return err
}

func newError(endpoint Endpoint, resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	e := &Error{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
	}

	if e.RateLimited() {
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}

	return e
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Missing or unreadable values yield one minute.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultRetryAfter
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return defaultRetryAfter
		}

		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		return max(at.Sub(now), 0)
	}

	return defaultRetryAfter
}

// KeyFingerprint identifies an API key in logs and limiter keys without
// exposing it.
func KeyFingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))

	return hex.EncodeToString(sum[:6])
}
