package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/fantrix-feed/internal/api"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 25 * time.Second
)

// handleFeedStream upgrades to a websocket and pushes the feed state as JSON
// messages: the current state first, then every change. Intermediate states
// may be skipped for slow readers; the latest one always arrives.
func (s *Server) handleFeedStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("feed stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.metrics.StreamClientConnected()
	defer s.metrics.StreamClientDisconnected()

	ctx, cancel := context.WithCancel(s.streams)
	defer cancel()

	s.logger.Debug("feed stream opened", "remote", r.RemoteAddr)

	// Writer goroutine. It is the only writer on conn.
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- s.writeStream(ctx, conn)
	}()

	// Reader loop: clients send nothing meaningful, but reading is required
	// to process pongs and notice a close.
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-readDone:
		cancel()
		<-writeDone
	case err := <-writeDone:
		if err != nil && ctx.Err() == nil {
			s.logger.Debug("feed stream write failed", "error", err)
		}
		cancel()
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	s.logger.Debug("feed stream closed", "remote", r.RemoteAddr)
}

func (s *Server) writeStream(ctx context.Context, conn *websocket.Conn) error {
	states := s.feed.Observe(ctx)
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(api.FromState(st)); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return err
			}
		}
	}
}
