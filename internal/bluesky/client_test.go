package bluesky_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"readwise-autosave/internal/bluesky"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func bookmark(uri string, createdAt string) map[string]any {
	return map[string]any{
		"subject":   map[string]string{"uri": uri, "cid": "cid-" + uri},
		"createdAt": createdAt,
	}
}

func TestGetBookmarksReturnsOldestFirstAfterCursor(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if r.URL.Path != "/xrpc/app.bsky.bookmark.getBookmarks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("unexpected authorization %q", got)
		}

		switch r.URL.Query().Get("cursor") {
		case "":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"cursor": "p2",
				"bookmarks": []any{
					bookmark("at://a/app.bsky.feed.post/4", "2026-01-04T00:00:00Z"),
					bookmark("at://a/app.bsky.feed.post/3", "2026-01-03T00:00:00Z"),
				},
			})
		case "p2":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"cursor": "p3",
				"bookmarks": []any{
					bookmark("at://a/app.bsky.feed.post/2", "2026-01-02T00:00:00Z"),
					bookmark("at://a/app.bsky.feed.post/1", "2026-01-01T00:00:00Z"),
				},
			})
		default:
			t.Errorf("unexpected page request %s", r.URL.RawQuery)
		}
	}))
	defer srv.Close()

	c := bluesky.New(bluesky.Options{APIURL: srv.URL}, testLogger())

	first, err := c.GetBookmarks(context.Background(), "user-token", "")
	if err != nil {
		t.Fatalf("GetBookmarks returned error: %v", err)
	}

	if len(first.Bookmarks) != 4 {
		t.Fatalf("expected 4 bookmarks, got %d", len(first.Bookmarks))
	}

	if first.Bookmarks[0].URI != "at://a/app.bsky.feed.post/1" || first.Bookmarks[3].URI != "at://a/app.bsky.feed.post/4" {
		t.Fatalf("expected oldest first, got %+v", first.Bookmarks)
	}

	if first.Cursor != first.Bookmarks[3].Cursor {
		t.Fatalf("expected page cursor to be last bookmark cursor, got %q", first.Cursor)
	}

	calls.Store(0)

	next, err := c.GetBookmarks(context.Background(), "user-token", first.Bookmarks[1].Cursor)
	if err != nil {
		t.Fatalf("GetBookmarks returned error: %v", err)
	}

	if calls.Load() != 2 {
		t.Fatalf("expected 2 page requests, got %d", calls.Load())
	}

	if len(next.Bookmarks) != 3 || next.Bookmarks[0].URI != "at://a/app.bsky.feed.post/2" {
		t.Fatalf("expected bookmarks from cursor on, got %+v", next.Bookmarks)
	}

	if next.Cursor < first.Bookmarks[1].Cursor {
		t.Fatalf("cursor moved backwards: %q < %q", next.Cursor, first.Bookmarks[1].Cursor)
	}
}

// backlogServer serves total bookmarks newest first in pages of 50. Bookmark
// i (1-based) is created at createdAt(i).
func backlogServer(t *testing.T, total int, createdAt func(i int) time.Time) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := 0
		if c := r.URL.Query().Get("cursor"); c != "" {
			n, err := strconv.Atoi(c)
			if err != nil {
				t.Errorf("unexpected cursor %q", c)
			}
			offset = n
		}

		var items []any
		for k := offset; k < total && k < offset+50; k++ {
			i := total - k
			items = append(items, bookmark("at://a/app.bsky.feed.post/"+strconv.Itoa(i), createdAt(i).Format(time.RFC3339Nano)))
		}

		resp := map[string]any{"bookmarks": items}
		if offset+50 < total {
			resp["cursor"] = strconv.Itoa(offset + 50)
		}

		writeJSON(t, w, http.StatusOK, resp)
	}))
}

func TestGetBookmarksWalksWholeBacklog(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := backlogServer(t, 600, func(i int) time.Time {
		return base.Add(time.Duration(i) * time.Minute)
	})
	defer srv.Close()

	c := bluesky.New(bluesky.Options{APIURL: srv.URL}, testLogger())
	after := base.Format("2006-01-02T15:04:05.000000000Z")

	page, err := c.GetBookmarks(context.Background(), "user-token", after)
	if err != nil {
		t.Fatalf("GetBookmarks returned error: %v", err)
	}

	if len(page.Bookmarks) != 50 {
		t.Fatalf("expected a page of 50, got %d", len(page.Bookmarks))
	}

	if got := page.Bookmarks[0].URI; got != "at://a/app.bsky.feed.post/1" {
		t.Fatalf("page must start at the oldest bookmark after the cursor, got %s", got)
	}

	if got := page.Bookmarks[49].URI; got != "at://a/app.bsky.feed.post/50" {
		t.Fatalf("unexpected last bookmark %s", got)
	}

	if page.Cursor != page.Bookmarks[49].Cursor {
		t.Fatalf("cursor moved past the page: %q", page.Cursor)
	}
}

func TestGetBookmarksKeepsEqualTimestampsTogether(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	same := base.Add(time.Hour)
	srv := backlogServer(t, 120, func(i int) time.Time {
		if i >= 45 && i <= 60 {
			return same
		}

		return base.Add(time.Duration(i) * time.Minute)
	})
	defer srv.Close()

	c := bluesky.New(bluesky.Options{APIURL: srv.URL}, testLogger())

	page, err := c.GetBookmarks(context.Background(), "user-token", "")
	if err != nil {
		t.Fatalf("GetBookmarks returned error: %v", err)
	}

	last := page.Bookmarks[len(page.Bookmarks)-1]
	if !last.CreatedAt.Equal(same) {
		t.Fatalf("expected page to end on the shared timestamp, got %s", last.CreatedAt)
	}

	count := 0
	for _, b := range page.Bookmarks {
		if b.CreatedAt.Equal(same) {
			count++
		}
	}

	if count != 16 {
		t.Fatalf("expected all 16 bookmarks with the shared timestamp, got %d", count)
	}
}

func TestGetBookmarksMapsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]string{
			"error":   "ExpiredToken",
			"message": "Token has expired",
		})
	}))
	defer srv.Close()

	c := bluesky.New(bluesky.Options{APIURL: srv.URL}, testLogger())

	_, err := c.GetBookmarks(context.Background(), "token", "")
	if !errors.Is(err, bluesky.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	var xrpcErr *bluesky.Error
	if !errors.As(err, &xrpcErr) || xrpcErr.Code != "ExpiredToken" {
		t.Fatalf("expected typed error, got %#v", err)
	}
}

func TestGetPostThreadDecodesUnionNodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("parentHeight") != "100" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}

		writeJSON(t, w, http.StatusOK, map[string]any{
			"thread": map[string]any{
				"$type": "app.bsky.feed.defs#threadViewPost",
				"post": map[string]any{
					"uri":    "at://did:plc:a/app.bsky.feed.post/tip",
					"cid":    "c1",
					"author": map[string]any{"did": "did:plc:a", "handle": "a.test"},
					"record": map[string]any{
						"text":      "tip",
						"createdAt": "2026-01-02T00:00:00Z",
						"reply": map[string]any{
							"root":   map[string]string{"uri": "at://did:plc:a/app.bsky.feed.post/root", "cid": "r"},
							"parent": map[string]string{"uri": "at://did:plc:a/app.bsky.feed.post/root", "cid": "r"},
						},
					},
				},
				"parent": map[string]any{
					"$type":    "app.bsky.feed.defs#notFoundPost",
					"uri":      "at://did:plc:a/app.bsky.feed.post/root",
					"notFound": true,
				},
				"replies": []any{
					map[string]any{
						"$type":   "app.bsky.feed.defs#blockedPost",
						"uri":     "at://did:plc:b/app.bsky.feed.post/x",
						"blocked": true,
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := bluesky.New(bluesky.Options{PublicAPIURL: srv.URL}, testLogger())

	node, err := c.GetPostThread(context.Background(), "at://did:plc:a/app.bsky.feed.post/tip")
	if err != nil {
		t.Fatalf("GetPostThread returned error: %v", err)
	}

	if !node.Available() || node.Post.Record.Reply == nil {
		t.Fatalf("expected available reply post, got %+v", node)
	}

	if node.Parent == nil || node.Parent.Available() || !node.Parent.NotFound {
		t.Fatalf("expected not found parent, got %+v", node.Parent)
	}

	if len(node.Replies) != 1 || !node.Replies[0].Blocked {
		t.Fatalf("expected blocked reply, got %+v", node.Replies)
	}
}

func TestGetPostThreadMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]string{
			"error":   "NotFound",
			"message": "Post not found",
		})
	}))
	defer srv.Close()

	c := bluesky.New(bluesky.Options{PublicAPIURL: srv.URL}, testLogger())

	if _, err := c.GetPostThread(context.Background(), "at://x/app.bsky.feed.post/y"); !errors.Is(err, bluesky.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessagesRecreatesExpiredSession(t *testing.T) {
	var sessions atomic.Int32

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			n := sessions.Add(1)
			writeJSON(t, w, http.StatusOK, map[string]string{
				"accessJwt": "jwt-" + string(rune('0'+n)),
				"did":       "did:plc:bot",
			})
		case "/xrpc/chat.bsky.convo.getConvoForMembers":
			if r.Header.Get("atproto-proxy") == "" {
				t.Errorf("missing chat proxy header")
			}

			if r.Header.Get("Authorization") == "Bearer jwt-1" {
				writeJSON(t, w, http.StatusBadRequest, map[string]string{"error": "ExpiredToken"})
				return
			}

			writeJSON(t, w, http.StatusOK, map[string]any{"convo": map[string]string{"id": "convo-1"}})
		case "/xrpc/chat.bsky.convo.getMessages":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"messages": []any{
					map[string]any{
						"$type":  "chat.bsky.convo.defs#messageView",
						"id":     "m3",
						"text":   "newest",
						"sender": map[string]string{"did": "did:plc:alice"},
						"sentAt": "2026-01-03T00:00:00Z",
					},
					map[string]any{
						"$type":  "chat.bsky.convo.defs#messageView",
						"id":     "m2",
						"text":   "from bot",
						"sender": map[string]string{"did": "did:plc:bot"},
						"sentAt": "2026-01-02T00:00:00Z",
					},
					map[string]any{
						"$type":  "chat.bsky.convo.defs#messageView",
						"id":     "m1",
						"text":   "older",
						"sender": map[string]string{"did": "did:plc:alice"},
						"sentAt": "2026-01-01T12:00:00Z",
					},
					map[string]any{
						"$type":  "chat.bsky.convo.defs#messageView",
						"id":     "m0",
						"text":   "before since",
						"sender": map[string]string{"did": "did:plc:alice"},
						"sentAt": "2025-12-31T00:00:00Z",
					},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := bluesky.New(bluesky.Options{
		APIURL:      srv.URL,
		BotHandle:   "bot.test",
		BotPassword: "app-password",
	}, testLogger())

	messages, err := c.ListMessages(context.Background(), "did:plc:alice", since)
	if err != nil {
		t.Fatalf("ListMessages returned error: %v", err)
	}

	if sessions.Load() != 2 {
		t.Fatalf("expected session to be re-created once, got %d sessions", sessions.Load())
	}

	if len(messages) != 2 || messages[0].ID != "m1" || messages[1].ID != "m3" {
		t.Fatalf("unexpected messages: %+v", messages)
	}

	if messages[0].ConvoID != "convo-1" {
		t.Fatalf("expected convo id, got %q", messages[0].ConvoID)
	}
}

func TestBotSessionIsCreatedOnAPIHost(t *testing.T) {
	var sessions, sent atomic.Int32

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.server.createSession" {
			t.Errorf("unexpected api path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)

			return
		}

		sessions.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]string{"accessJwt": "jwt", "did": "did:plc:bot"})
	}))
	defer api.Close()

	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/chat.bsky.convo.sendMessage" {
			t.Errorf("unexpected chat path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)

			return
		}

		if r.Header.Get("Authorization") != "Bearer jwt" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}

		sent.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]string{"id": "m1"})
	}))
	defer chat.Close()

	c := bluesky.New(bluesky.Options{
		APIURL:      api.URL,
		ChatURL:     chat.URL,
		BotHandle:   "bot.test",
		BotPassword: "app-password",
	}, testLogger())

	if err := c.SendMessage(context.Background(), "convo-1", "hi"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	if sessions.Load() != 1 || sent.Load() != 1 {
		t.Fatalf("expected one session on the api host and one message on the chat host, got %d and %d",
			sessions.Load(), sent.Load())
	}
}

func TestChatRequiresBotAccount(t *testing.T) {
	c := bluesky.New(bluesky.Options{}, testLogger())

	if err := c.SendMessage(context.Background(), "convo", "hi"); !errors.Is(err, bluesky.ErrBotNotConfigured) {
		t.Fatalf("expected ErrBotNotConfigured, got %v", err)
	}
}
