package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
)

const (
	pongWait   = 25 * time.Second // ping every 15s + 10s grace
	pingPeriod = 15 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// conn is one client connection. All writes go through the send channel into
// writePump; readPump is the only reader. address is set once the register
// envelope verifies and never changes afterwards.
type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	ip   string

	mu      sync.RWMutex
	address string
}

// Send implements registry.Peer. Non-blocking: a full buffer drops the frame.
func (c *conn) Send(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// CloseDisplaced implements registry.Peer.
func (c *conn) CloseDisplaced() {
	c.Send(frame("error", map[string]string{
		"code":   "displaced",
		"detail": "another connection registered this address",
	}))
	c.close()
}

func (c *conn) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

func (c *conn) setAddress(addr string) {
	c.mu.Lock()
	c.address = addr
	c.mu.Unlock()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		addr := c.Address()
		if addr != "" {
			c.hub.registry.Unregister(addr, c)
			c.hub.metrics.ConnectionsActive.Set(float64(c.hub.registry.Count()))
			if c.hub.redis != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				c.hub.redis.ClearPresence(ctx, addr)
				cancel()
			}
			// A caller vanishing mid-ring hangs up for them.
			c.hub.cancelRingingFor(addr)
		}
		c.ws.Close()
	})
}

// writePump owns every write to the socket: queued frames, pings, close.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
			// Drain whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if addr := c.Address(); addr != "" && c.hub.redis != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				c.hub.redis.SetPresence(ctx, addr)
				cancel()
			}

		case <-c.done:
			return
		}
	}
}

// readPump owns every read. Each frame is parsed, verified and routed on
// this goroutine; fan-out happens through other connections' send channels.
func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(envelope.MaxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read", "error", err)
			}
			return
		}
		c.hub.route(c, raw)
	}
}
