package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"koi-classifier/internal/api"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Stream is an open /api/stream connection. Score is safe for concurrent
// use; replies are matched to requests by order.
type Stream struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// OpenStream dials the service's WebSocket prediction stream.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/stream"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	conn.SetReadLimit(512 * 1024)
	log.Debug().Str("url", u.String()).Msg("prediction stream connected")
	return &Stream{conn: conn}, nil
}

// Score sends one record and waits for its reply.
func (s *Stream) Score(record map[string]any) (api.StreamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reply api.StreamMessage
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(record); err != nil {
		return reply, fmt.Errorf("send record: %w", err)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	if err := s.conn.ReadJSON(&reply); err != nil {
		return reply, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

// Close sends a close frame and releases the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
