package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/gcomms/internal/core"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (t *Transport) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(t.pingPeriod())
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Str("peer", string(c.peer)).Msg("writePump set deadline")
				t.detach(c, domain.ConnDisconnected)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("peer", string(c.peer)).Msg("writePump write error")
				t.detach(c, domain.ConnDisconnected)
				return
			}
		case <-ping.C:
			if err := t.writeControl(c, websocket.PingMessage); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("peer", string(c.peer)).Msg("ping failed")
				t.detach(c, domain.ConnDisconnected)
				return
			}
		}
	}
}

func (t *Transport) readPump(ctx context.Context, c *wsConn) {
	state := domain.ConnDisconnected
	defer func() {
		log.Info().Str("module", "adapters.signal").Str("peer", string(c.peer)).Str("state", string(state)).Msg("readPump closing")
		t.detach(c, state)
	}()

	c.conn.SetReadLimit(t.cfg.ReadLimit)
	t.armReadDeadline(c)
	c.conn.SetPongHandler(func(string) error {
		t.armReadDeadline(c)
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				state = domain.ConnClosed
			} else {
				log.Debug().Err(err).Str("module", "adapters.signal").Str("peer", string(c.peer)).Msg("readPump read error")
			}
			return
		}
		t.armReadDeadline(c)
		t.handleFrame(c.peer, data)
	}
}

// handleFrame decodes one envelope. The sender is the link's peer, not
// whatever the frame claims.
func (t *Transport) handleFrame(from domain.PeerID, data []byte) {
	var msg core.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("peer", string(from)).Msg("bad json")
		return
	}
	if msg.Type == "" {
		log.Warn().Str("module", "adapters.signal").Str("peer", string(from)).Msg("frame without type")
		return
	}
	msg.From = from

	t.mu.RLock()
	handlers := append([]core.MessageHandler(nil), t.onMsg...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(from, msg)
	}
}

func encode(msg core.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Str("type", string(msg.Type)).Msg("encode marshal")
		return nil, err
	}
	return b, nil
}
