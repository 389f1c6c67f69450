package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

func (t *Transport) pingPeriod() time.Duration {
	if t.cfg.PingPeriod <= 0 {
		return DefaultConfig().PingPeriod
	}
	return t.cfg.PingPeriod
}

// pongWait is how long a link may stay silent, pongs included.
func (t *Transport) pongWait() time.Duration {
	return t.pingPeriod() * 10 / 9
}

func (t *Transport) armReadDeadline(c *wsConn) {
	_ = c.conn.SetReadDeadline(time.Now().Add(t.pongWait()))
}

func (t *Transport) writeControl(c *wsConn, kind int) error {
	return c.conn.WriteControl(kind, nil, time.Now().Add(t.cfg.WriteTimeout))
}
