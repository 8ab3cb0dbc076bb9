// Package hub is the signaling fabric: it owns the WebSocket endpoint, the
// per-connection read/write pumps, the envelope router, the call state
// machine and the background sweeper.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/calltoken"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/infra"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/metrics"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/policy"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/registry"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Envelope signatures authenticate every frame, so cross-origin upgrades
	// are not an attack surface here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub wires the registry, verifier, policy engine, token issuer and stores
// together behind the /ws endpoint.
type Hub struct {
	backend  store.Backend
	registry *registry.Registry
	verifier *envelope.Verifier
	memo     *envelope.NonceMemo
	engine   *policy.Engine
	tokens   *calltoken.Issuer
	metrics  *metrics.Metrics
	limits   config.LimitsConfig
	log      *slog.Logger

	// redis is nil in single-instance deployments.
	redis *infra.Redis

	// rings tracks recent ring attempts per (caller, callee) pair.
	rings *ringTracker

	callMu sync.Mutex
	calls  map[string]*callState
}

func New(backend store.Backend, reg *registry.Registry, memo *envelope.NonceMemo,
	engine *policy.Engine, tokens *calltoken.Issuer, m *metrics.Metrics,
	limits config.LimitsConfig, redis *infra.Redis, log *slog.Logger) *Hub {
	h := &Hub{
		backend:  backend,
		registry: reg,
		verifier: envelope.NewVerifier(memo),
		memo:     memo,
		engine:   engine,
		tokens:   tokens,
		metrics:  m,
		limits:   limits,
		log:      log,
		redis:    redis,
		rings:    newRingTracker(),
		calls:    make(map[string]*callState),
	}
	if redis != nil {
		redis.SubscribeRelay(context.Background(), func(f infra.RelayFrame) {
			h.registry.Send(f.Target, f.Frame)
		})
	}
	return h
}

// HandleWebSocket upgrades and starts the connection's pumps. The connection
// is anonymous until its first verified register envelope.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		ip:   r.RemoteAddr,
	}
	go c.writePump()
	go c.readPump()
}

// event is one server → client frame.
type event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func frame(typ string, payload any) []byte {
	b, err := json.Marshal(event{Type: typ, Payload: payload})
	if err != nil {
		return []byte(`{"type":"error","payload":{"code":"internal"}}`)
	}
	return b
}

// deliver sends a frame to address, falling back to the cross-instance relay
// when the peer is connected elsewhere. Best-effort.
func (h *Hub) deliver(address string, f []byte) bool {
	if h.registry.Send(address, f) {
		return true
	}
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if inst, err := h.redis.Instance(ctx, address); err == nil && inst != "" {
			return h.redis.PublishRelay(ctx, address, f) == nil
		}
	}
	return false
}

// online reports live presence, local or cross-instance.
func (h *Hub) online(address string) bool {
	if h.registry.Online(address) {
		return true
	}
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		inst, err := h.redis.Instance(ctx, address)
		return err == nil && inst != ""
	}
	return false
}

// errorFrame builds the error event for a wire failure.
func errorFrame(we *envelope.WireError, replyTo string) []byte {
	return frame("error", map[string]string{
		"code":     we.Code,
		"detail":   we.Detail,
		"reply_to": replyTo,
	})
}

func successFrame(replyTo string, payload any) []byte {
	body := map[string]any{"reply_to": replyTo}
	if payload != nil {
		body["data"] = payload
	}
	return frame("success", body)
}
