package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/fantrix-feed/internal/api"
	"github.com/blackmichael/fantrix-feed/internal/auth"
	"github.com/blackmichael/fantrix-feed/internal/config"
	"github.com/blackmichael/fantrix-feed/internal/docstore"
	"github.com/blackmichael/fantrix-feed/internal/domain"
	"github.com/blackmichael/fantrix-feed/internal/metrics"
	"github.com/blackmichael/fantrix-feed/internal/profile"
)

type testEnv struct {
	ts     *httptest.Server
	tokens *auth.Authority
	feed   *domain.FeedService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := docstore.Open(filepath.Join(t.TempDir(), "feed.db"), docstore.Options{Logger: logger})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tokens, err := auth.NewAuthority("test-secret", "test", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	m := metrics.New()
	profiles := profile.NewStore(store, logger)
	feed := domain.NewFeedService(store, profiles, nil, m, logger)
	feed.Start()

	cfg := config.Defaults()
	srv := NewServer(&cfg, Deps{
		Feed:     feed,
		Profiles: profiles,
		Store:    store,
		Tokens:   tokens,
		Metrics:  m,
	}, logger)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.cancelStreams()
		ts.Close()
		feed.Stop()
		store.Close()
	})
	return &testEnv{ts: ts, tokens: tokens, feed: feed}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.tokens.Issue(userID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d; body %s",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, bytes.TrimSpace(body))
	}
}

func expectErrorType(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	var er api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if er.Error != want {
		t.Fatalf("error type = %q, want %q", er.Error, want)
	}
}

// waitFeed polls GET /v1/feed until pred holds.
func (e *testEnv) waitFeed(t *testing.T, pred func(api.FeedMessage) bool) api.FeedMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last api.FeedMessage
	for time.Now().Before(deadline) {
		resp := e.do(t, http.MethodGet, "/v1/feed", "", "")
		expectStatus(t, resp, http.StatusOK)
		last = api.FeedMessage{}
		if err := json.NewDecoder(resp.Body).Decode(&last); err != nil {
			t.Fatalf("decode feed: %v", err)
		}
		if pred(last) {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("feed never satisfied condition; last %+v", last)
	return last
}

func readyWith(n int) func(api.FeedMessage) bool {
	return func(m api.FeedMessage) bool { return m.State == "ready" && len(m.Posts) == n }
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", "")
	expectStatus(t, resp, http.StatusOK)
}

func TestEmptyFeedEncodesEmptyList(t *testing.T) {
	env := newTestEnv(t)
	env.waitFeed(t, readyWith(0))

	resp := env.do(t, http.MethodGet, "/v1/feed", "", "")
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"posts":[]`)) {
		t.Fatalf("body = %s, want empty posts array", body)
	}
}

func TestCreatePostRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/posts", "", `{"content":"hi"}`)
	expectStatus(t, resp, http.StatusUnauthorized)
	expectErrorType(t, resp, api.ErrUnauthorized)

	resp = env.do(t, http.MethodPost, "/v1/posts", "garbage", `{"content":"hi"}`)
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestCreatePostValidation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "A")

	resp := env.do(t, http.MethodPost, "/v1/posts", tok, `{"content":"   "}`)
	expectStatus(t, resp, http.StatusBadRequest)
	expectErrorType(t, resp, api.ErrInvalidInput)

	resp = env.do(t, http.MethodPost, "/v1/posts", tok, `{"content":"`+strings.Repeat("z", 281)+`"}`)
	expectStatus(t, resp, http.StatusBadRequest)
	expectErrorType(t, resp, api.ErrInvalidInput)

	resp = env.do(t, http.MethodPost, "/v1/posts", tok, `{"content":`)
	expectStatus(t, resp, http.StatusBadRequest)
	expectErrorType(t, resp, api.ErrInvalidRequest)

	env.waitFeed(t, readyWith(0))
}

func TestPostLikeRetweetFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "A")
	bob := env.token(t, "B")

	resp := env.do(t, http.MethodPut, "/v1/profile", alice, `{"fullName":"Alice","email":"alice@example.com"}`)
	expectStatus(t, resp, http.StatusNoContent)

	resp = env.do(t, http.MethodPost, "/v1/posts", alice, `{"content":"hello"}`)
	expectStatus(t, resp, http.StatusAccepted)

	feed := env.waitFeed(t, readyWith(1))
	post := feed.Posts[0]
	if post.Content != "hello" || post.AuthorHandle != "@alice" || post.AuthorDisplayName != "Alice" {
		t.Fatalf("post = %+v", post)
	}

	resp = env.do(t, http.MethodPost, "/v1/posts/"+post.ID+"/like", bob, "")
	expectStatus(t, resp, http.StatusAccepted)
	env.waitFeed(t, func(m api.FeedMessage) bool {
		return len(m.Posts) == 1 && len(m.Posts[0].Likes) == 1 && m.Posts[0].Likes[0] == "B"
	})

	resp = env.do(t, http.MethodPost, "/v1/posts/"+post.ID+"/retweet", bob, "")
	expectStatus(t, resp, http.StatusAccepted)
	env.waitFeed(t, func(m api.FeedMessage) bool {
		return len(m.Posts) == 1 && len(m.Posts[0].Retweets) == 1
	})

	resp = env.do(t, http.MethodPost, "/v1/posts/"+post.ID+"/like", bob, "")
	expectStatus(t, resp, http.StatusAccepted)
	env.waitFeed(t, func(m api.FeedMessage) bool {
		return len(m.Posts) == 1 && len(m.Posts[0].Likes) == 0 && len(m.Posts[0].Retweets) == 1
	})
}

func TestToggleMissingPost(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/posts/missing/like", env.token(t, "B"), "")
	expectStatus(t, resp, http.StatusNotFound)
	expectErrorType(t, resp, api.ErrNotFound)
}

func TestGetProfileDefaults(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/users/nobody/profile", "", "")
	expectStatus(t, resp, http.StatusOK)
	var p map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p["displayName"] != "User" || p["handle"] != "@user" {
		t.Fatalf("profile = %v", p)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", "", "")

	resp := env.do(t, http.MethodGet, "/metrics", "", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"http_requests_total", "feed_snapshots_total", "go_goroutines"} {
		if !bytes.Contains(body, []byte(name)) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestFeedStream(t *testing.T) {
	env := newTestEnv(t)
	env.waitFeed(t, readyWith(0))

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/feed/stream"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg api.FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read first message: %v", err)
	}
	if msg.State != "ready" || len(msg.Posts) != 0 {
		t.Fatalf("first message = %+v, want empty ready feed", msg)
	}

	resp := env.do(t, http.MethodPost, "/v1/posts", env.token(t, "A"), `{"content":"streamed"}`)
	expectStatus(t, resp, http.StatusAccepted)

	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.State == "ready" && len(msg.Posts) == 1 {
			break
		}
	}
	if msg.Posts[0].Content != "streamed" {
		t.Fatalf("streamed post = %+v", msg.Posts[0])
	}
}
