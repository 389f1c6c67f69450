package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/gcomms/internal/config"
	"github.com/dkeye/gcomms/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const eventBuffer = 64

// streamOpen is the first frame of every stream; events published after
// it are guaranteed to reach the subscriber.
var streamOpen = []byte(`{"type":"stream-open"}`)

type eventClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *eventClient) TrySend(b []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *eventClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// eventStream fans UI events out to websocket subscribers. A subscriber
// that cannot keep up loses events rather than stalling the loop.
type eventStream struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*eventClient]struct{}
}

func newEventStream(cfg *config.Config) *eventStream {
	wt := cfg.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}
	return &eventStream{
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		writeTimeout: wt,
		clients:      make(map[*eventClient]struct{}),
	}
}

func (s *eventStream) publish(ev core.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("event marshal")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.TrySend(b) {
			log.Debug().Str("module", "adapters.http").Str("type", string(ev.Type)).Msg("event dropped")
		}
	}
}

func (s *eventStream) serve(ctx context.Context, c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	client := &eventClient{conn: ws, send: make(chan []byte, eventBuffer)}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	client.TrySend(streamOpen)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go s.writePump(ctx, client)
	go s.readPump(cancel, client)
}

func (s *eventStream) remove(c *eventClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.Close()
}

func (s *eventStream) writePump(ctx context.Context, c *eventClient) {
	defer s.remove(c)
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "adapters.http").Msg("event write error")
				return
			}
		}
	}
}

// readPump only watches for the client going away.
func (s *eventStream) readPump(cancel context.CancelFunc, c *eventClient) {
	defer cancel()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
