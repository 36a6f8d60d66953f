package feedclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/blackmichael/fantrix-feed/internal/api"
)

// Tailer follows the live feed stream and reconnects on errors.
type Tailer struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	// MaxInterval caps the reconnect delay.
	MaxInterval time.Duration
}

// NewTailer creates a tailer for the server at baseURL (http or https).
func NewTailer(baseURL string, logger *slog.Logger) (*Tailer, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/v1/feed/stream"

	return &Tailer{
		url:         u.String(),
		logger:      logger,
		dialer:      websocket.DefaultDialer,
		MaxInterval: 30 * time.Second,
	}, nil
}

// Tail delivers every feed message to fn until ctx is cancelled. After each
// reconnect the server resends its current state, so fn always converges on
// the latest feed.
func (t *Tailer) Tail(ctx context.Context, fn func(api.FeedMessage)) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = t.MaxInterval
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}

	for {
		received, err := t.stream(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		t.logger.Warn("feed stream disconnected, reconnecting", "error", err, "in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// stream runs one connection. received reports whether any message arrived.
func (t *Tailer) stream(ctx context.Context, fn func(api.FeedMessage)) (received bool, err error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return false, fmt.Errorf("dial feed stream: status %d: %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("dial feed stream: %w", err)
	}
	defer conn.Close()

	t.logger.Info("connected to feed stream", "url", t.url)

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("read message: %w", err)
		}

		var msg api.FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Error("failed to parse feed message", "error", err)
			continue
		}
		received = true
		fn(msg)
	}
}
