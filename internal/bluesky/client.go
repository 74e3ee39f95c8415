// Package bluesky talks XRPC to the Bluesky AppView, the user's PDS and the
// chat service.
package bluesky

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
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAPIURL       = "https://bsky.social"
	DefaultPublicAPIURL = "https://public.api.bsky.app"

	chatProxy          = "did:web:api.bsky.chat#bsky_chat"
	bookmarksPageLimit = 50
	messagesPageLimit  = 50
	threadDepth        = 100
	maxErrorBody       = 4 << 10
	cursorLayout       = "2006-01-02T15:04:05.000000000Z"
	defaultCallTimeout = 20 * time.Second
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrBotNotConfigured  = errors.New("bot account is not configured")
	errInvalidCursorTime = errors.New("invalid bookmark cursor")
)

// Error is a non-2xx XRPC response.
type Error struct {
	Method     string
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: http %d %s: %s", e.Method, e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("%s: http %d: %s", e.Method, e.StatusCode, e.Message)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.Code == "NotFound"
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized ||
			e.Code == "ExpiredToken" ||
			e.Code == "InvalidToken" ||
			e.Code == "AuthenticationRequired"
	default:
		return false
	}
}

type Options struct {
	APIURL       string
	PublicAPIURL string
	ChatURL      string
	BotHandle    string
	BotPassword  string
	CallTimeout  time.Duration
	HTTPClient   *http.Client
}

type Client struct {
	apiURL      string
	publicURL   string
	chatURL     string
	botHandle   string
	botPassword string
	callTimeout time.Duration
	httpClient  *http.Client
	log         *slog.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	AccessJWT string `json:"accessJwt"`
	DID       string `json:"did"`
}

func New(opts Options, log *slog.Logger) *Client {
	c := &Client{
		apiURL:      baseURL(opts.APIURL, DefaultAPIURL),
		publicURL:   baseURL(opts.PublicAPIURL, DefaultPublicAPIURL),
		botHandle:   strings.TrimSpace(opts.BotHandle),
		botPassword: opts.BotPassword,
		callTimeout: opts.CallTimeout,
		httpClient:  opts.HTTPClient,
		log:         log,
	}

	c.chatURL = baseURL(opts.ChatURL, c.apiURL)

	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}

	return c
}

func baseURL(raw string, fallback string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return fallback
	}

	return raw
}

// BotConfigured reports whether direct messages can be read and sent.
func (c *Client) BotConfigured() bool {
	return c.botHandle != "" && c.botPassword != ""
}

type bookmarksResponse struct {
	Cursor    string `json:"cursor"`
	Bookmarks []struct {
		Subject   StrongRef `json:"subject"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"bookmarks"`
}

// GetBookmarks returns the oldest page of the user's bookmarks created at or
// after the bookmark identified by after, oldest first. The service lists
// bookmarks newest first, so pages are walked until after or the end of the
// feed is reached; stopping earlier would leave a gap below the returned page.
func (c *Client) GetBookmarks(ctx context.Context, token string, after string) (BookmarkPage, error) {
	var afterTime time.Time
	if after != "" {
		t, err := time.Parse(cursorLayout, after)
		if err != nil {
			return BookmarkPage{}, fmt.Errorf("%w: %q", errInvalidCursorTime, after)
		}

		afterTime = t
	}

	var (
		collected  []Bookmark
		pageCursor string
		pages      int
	)

walk:
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(bookmarksPageLimit))
		if pageCursor != "" {
			q.Set("cursor", pageCursor)
		}

		var resp bookmarksResponse
		if err := c.get(ctx, c.apiURL, "app.bsky.bookmark.getBookmarks", q, token, false, &resp); err != nil {
			return BookmarkPage{}, err
		}

		pages++

		for _, b := range resp.Bookmarks {
			if !afterTime.IsZero() && b.CreatedAt.Before(afterTime) {
				break walk
			}

			collected = append(collected, Bookmark{
				URI:       b.Subject.URI,
				CID:       b.Subject.CID,
				CreatedAt: b.CreatedAt.UTC(),
			})
		}

		if resp.Cursor == "" || resp.Cursor == pageCursor || len(resp.Bookmarks) == 0 {
			break
		}

		pageCursor = resp.Cursor
	}

	sort.SliceStable(collected, func(i, j int) bool {
		if !collected[i].CreatedAt.Equal(collected[j].CreatedAt) {
			return collected[i].CreatedAt.Before(collected[j].CreatedAt)
		}

		return collected[i].URI < collected[j].URI
	})

	collected = oldestWindow(collected, bookmarksPageLimit)

	page := BookmarkPage{Bookmarks: collected, Cursor: after}
	for i := range page.Bookmarks {
		page.Bookmarks[i].Cursor = page.Bookmarks[i].CreatedAt.Format(cursorLayout)
		page.Cursor = page.Bookmarks[i].Cursor
	}

	c.log.DebugContext(ctx, "Bookmarks are fetched",
		"after", after,
		"pages", pages,
		"count", len(page.Bookmarks),
		"cursor", page.Cursor)

	return page, nil
}

// oldestWindow keeps the first n sorted bookmarks plus any that share the
// creation time of the last kept one, so a page never ends inside a group of
// equal cursors.
func oldestWindow(sorted []Bookmark, n int) []Bookmark {
	if len(sorted) <= n {
		return sorted
	}

	end := n
	for end < len(sorted) && sorted[end].CreatedAt.Equal(sorted[n-1].CreatedAt) {
		end++
	}

	return sorted[:end]
}

// GetPostThread fetches the thread view of a post from the public AppView,
// with ancestors and replies.
func (c *Client) GetPostThread(ctx context.Context, uri string) (*ThreadNode, error) {
	q := url.Values{}
	q.Set("uri", uri)
	q.Set("depth", strconv.Itoa(threadDepth))
	q.Set("parentHeight", strconv.Itoa(threadDepth))

	var resp struct {
		Thread *ThreadNode `json:"thread"`
	}

	if err := c.get(ctx, c.publicURL, "app.bsky.feed.getPostThread", q, "", false, &resp); err != nil {
		return nil, err
	}

	if resp.Thread == nil {
		return nil, fmt.Errorf("get post thread %s: %w", uri, ErrNotFound)
	}

	return resp.Thread, nil
}

type messagesResponse struct {
	Messages []struct {
		Type   string `json:"$type"`
		ID     string `json:"id"`
		Text   string `json:"text"`
		Sender struct {
			DID string `json:"did"`
		} `json:"sender"`
		SentAt time.Time `json:"sentAt"`
	} `json:"messages"`
}

// ListMessages returns messages senderDID sent to the bot account at or
// after since, oldest first.
func (c *Client) ListMessages(ctx context.Context, senderDID string, since time.Time) ([]Message, error) {
	if !c.BotConfigured() {
		return nil, ErrBotNotConfigured
	}

	var messages []Message

	err := c.withSession(ctx, func(s *session) error {
		q := url.Values{}
		q.Set("members", senderDID)

		var convo struct {
			Convo struct {
				ID string `json:"id"`
			} `json:"convo"`
		}

		if err := c.get(ctx, c.chatURL, "chat.bsky.convo.getConvoForMembers", q, s.AccessJWT, true, &convo); err != nil {
			return err
		}

		q = url.Values{}
		q.Set("convoId", convo.Convo.ID)
		q.Set("limit", strconv.Itoa(messagesPageLimit))

		var resp messagesResponse
		if err := c.get(ctx, c.chatURL, "chat.bsky.convo.getMessages", q, s.AccessJWT, true, &resp); err != nil {
			return err
		}

		messages = messages[:0]
		for _, m := range resp.Messages {
			if m.Type != "" && m.Type != typeMessageView {
				continue
			}

			if m.Sender.DID != senderDID || m.SentAt.Before(since) {
				continue
			}

			messages = append(messages, Message{
				ID:        m.ID,
				ConvoID:   convo.Convo.ID,
				SenderDID: m.Sender.DID,
				Text:      m.Text,
				SentAt:    m.SentAt.UTC(),
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].SentAt.Equal(messages[j].SentAt) {
			return messages[i].SentAt.Before(messages[j].SentAt)
		}

		return messages[i].ID < messages[j].ID
	})

	return messages, nil
}

// SendMessage posts a text message from the bot account to a conversation.
func (c *Client) SendMessage(ctx context.Context, convoID string, text string) error {
	if !c.BotConfigured() {
		return ErrBotNotConfigured
	}

	body := map[string]any{
		"convoId": convoID,
		"message": map[string]string{"text": text},
	}

	return c.withSession(ctx, func(s *session) error {
		return c.post(ctx, c.chatURL, "chat.bsky.convo.sendMessage", body, s.AccessJWT, true, nil)
	})
}

// withSession runs fn with the bot session and re-creates the session once
// when the service rejects it.
func (c *Client) withSession(ctx context.Context, fn func(*session) error) error {
	s, err := c.currentSession(ctx)
	if err != nil {
		return err
	}

	err = fn(s)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.log.InfoContext(ctx, "Bot session is rejected so it is re-created",
		"error", err,
		"botHandle", c.botHandle)

	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()

	if s, err = c.currentSession(ctx); err != nil {
		return err
	}

	return fn(s)
}

func (c *Client) currentSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return c.session, nil
	}

	body := map[string]string{
		"identifier": c.botHandle,
		"password":   c.botPassword,
	}

	var s session
	if err := c.post(ctx, c.apiURL, "com.atproto.server.createSession", body, "", false, &s); err != nil {
		return nil, fmt.Errorf("create bot session: %w", err)
	}

	c.session = &s

	c.log.InfoContext(ctx, "Bot session is created",
		"botHandle", c.botHandle,
		"botDID", s.DID)

	return c.session, nil
}

func (c *Client) get(
	ctx context.Context,
	base string,
	method string,
	q url.Values,
	token string,
	proxy bool,
	out any,
) error {
	endpoint := base + "/xrpc/" + method
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	return c.do(ctx, http.MethodGet, endpoint, method, nil, token, proxy, out)
}

func (c *Client) post(
	ctx context.Context,
	base string,
	method string,
	body any,
	token string,
	proxy bool,
	out any,
) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", method, err)
	}

	return c.do(ctx, http.MethodPost, base+"/xrpc/"+method, method, payload, token, proxy, out)
}

func (c *Client) do(
	ctx context.Context,
	httpMethod string,
	endpoint string,
	method string,
	body []byte,
	token string,
	proxy bool,
	out any,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if proxy {
		req.Header.Set("atproto-proxy", chatProxy)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do %s request: %w", method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(method, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	return nil
}

func decodeError(method string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	xrpcErr := &Error{Method: method, StatusCode: resp.StatusCode}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	if json.Unmarshal(raw, &payload) == nil && (payload.Error != "" || payload.Message != "") {
		xrpcErr.Code = payload.Error
		xrpcErr.Message = payload.Message
	} else {
		xrpcErr.Message = strings.TrimSpace(string(raw))
	}

	return xrpcErr
}
