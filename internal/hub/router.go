package hub

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
)

// routeTimeout bounds the store work done for one inbound frame.
const routeTimeout = 10 * time.Second

// route is the single dispatcher for one inbound frame. It runs on the
// connection's read goroutine: parse, verify, then hand off by type.
func (h *Hub) route(c *conn, raw []byte) {
	env, err := envelope.Parse(raw)
	if err != nil {
		c.Send(errorFrame(envelope.Errf(envelope.CodeBadSignature, "unparseable frame"), ""))
		h.metrics.EnvelopesRejected.WithLabelValues(envelope.CodeBadSignature).Inc()
		return
	}

	// Plain pings skip signing; everything else is a signed envelope.
	if env.Type == envelope.TypePing {
		c.Send(frame(envelope.TypePong, nil))
		return
	}

	// A register envelope vouches for itself: the signature proves the key,
	// and the address is derived from the key.
	connAddr := c.Address()
	if env.Type == envelope.TypeRegister {
		connAddr = env.FromAddress
	}

	if we := h.verifier.Verify(raw, env, connAddr); we != nil {
		h.metrics.EnvelopesRejected.WithLabelValues(we.Code).Inc()
		c.Send(errorFrame(we, env.Type))
		return
	}
	h.metrics.EnvelopesVerified.Inc()
	h.registry.Touch(env.FromAddress)

	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()

	var we *envelope.WireError
	switch env.Type {
	case envelope.TypeRegister:
		we = h.handleRegister(ctx, c, env)

	case envelope.TypeCallInit:
		we = h.handleCallInit(ctx, c, env)
	case envelope.TypeCallAccept:
		we = h.handleCallAccept(ctx, c, env, raw)
	case envelope.TypeCallReject:
		we = h.handleCallReject(ctx, c, env, raw)
	case envelope.TypeCallEnd:
		we = h.handleCallEnd(ctx, c, env, raw)
	case envelope.TypeCallHeartbeat:
		we = h.handleCallHeartbeat(ctx, c, env)
	case envelope.TypeCallRelayUsed:
		we = h.handleRelayUsed(ctx, c, env)

	case envelope.TypeWebRTCOffer, envelope.TypeWebRTCAnswer, envelope.TypeWebRTCICE:
		we = h.relayVerbatim(c, env, raw)

	case envelope.TypeMsgSend:
		we = h.handleMsgSend(ctx, c, env)
	case envelope.TypeMsgRead:
		we = h.handleMsgRead(ctx, c, env)
	case envelope.TypeMsgTyping:
		we = h.relayTyping(c, env, raw)

	case envelope.TypeGroupCreate:
		we = h.handleGroupCreate(ctx, c, env)
	case envelope.TypeGroupLeave:
		we = h.handleGroupLeave(ctx, c, env)
	case envelope.TypeGroupRemoveMember:
		we = h.handleGroupRemoveMember(ctx, c, env)

	case envelope.TypeContactAdd:
		we = h.handleContactAdd(ctx, c, env)
	case envelope.TypeContactRemove:
		we = h.handleContactRemove(ctx, c, env)
	case envelope.TypePolicyGet:
		we = h.handlePolicyGet(ctx, c, env)
	case envelope.TypePolicySet:
		we = h.handlePolicySet(ctx, c, env)
	case envelope.TypePassCreate:
		we = h.handlePassCreate(ctx, c, env)
	case envelope.TypePassRevoke:
		we = h.handlePassRevoke(ctx, c, env)
	case envelope.TypeBlockAdd:
		we = h.handleBlockAdd(ctx, c, env)
	case envelope.TypeBlockRemove:
		we = h.handleBlockRemove(ctx, c, env)

	default:
		we = envelope.Errf(envelope.CodeUnknownType, "unhandled type %q", env.Type)
	}

	if we != nil {
		c.Send(errorFrame(we, env.Type))
	}
}

// handleRegister binds the connection to its address, replays the offline
// queue and announces presence. A connection binds exactly once: re-register
// with the same address is an idempotent refresh, but rebinding to another
// address is refused so the old registry entry can never leak.
func (h *Hub) handleRegister(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	if cur := c.Address(); cur != "" && cur != env.FromAddress {
		return envelope.Errf(envelope.CodeAddressMismatch, "connection already registered as another address")
	}
	pub, err := base64.StdEncoding.DecodeString(env.FromPubkey)
	if err != nil {
		return envelope.Errf(envelope.CodeBadSignature, "malformed public key")
	}
	user, err := h.backend.GetOrCreateUser(ctx, env.FromAddress, pub)
	if err != nil {
		h.log.Error("register: user lookup", "error", err)
		return envelope.Errf(envelope.CodeInternal, "")
	}
	if user.Suspended {
		return envelope.Errf(envelope.CodeBlocked, "account suspended")
	}

	c.setAddress(env.FromAddress)
	h.registry.Register(env.FromAddress, c)
	h.metrics.ConnectionsActive.Set(float64(h.registry.Count()))
	if h.redis != nil {
		h.redis.SetPresence(ctx, env.FromAddress)
	}
	c.Send(successFrame(envelope.TypeRegister, map[string]any{
		"address": user.Address,
		"plan":    user.Plan,
	}))

	h.flushPending(ctx, c, env.FromAddress)
	return nil
}

// flushPending replays queued messages in convo/seq order and marks them
// delivered as they go out.
func (h *Hub) flushPending(ctx context.Context, c *conn, address string) {
	pending, err := h.backend.PendingMessages(ctx, address)
	if err != nil {
		h.log.Error("pending replay", "address", address, "error", err)
		return
	}
	for _, m := range pending {
		if !c.Send(frame("msg:incoming", wireMessage(m))) {
			return // buffer full; the rest stays pending for next register
		}
		if err := h.backend.MarkDelivered(ctx, m.ID); err != nil {
			h.log.Error("mark delivered", "message", m.ID, "error", err)
		}
		h.metrics.MessagesFannedOut.Inc()
	}
}

// relayVerbatim forwards SDP/ICE frames to the target untouched. The callee
// needs the original signed bytes, not a re-serialization.
func (h *Hub) relayVerbatim(c *conn, env *envelope.Envelope, raw []byte) *envelope.WireError {
	target, we := payloadTarget(env)
	if we != nil {
		return we
	}
	if !h.deliver(target, raw) {
		return envelope.Errf(envelope.CodeRecipientOffline, "")
	}
	return nil
}

func (h *Hub) relayTyping(c *conn, env *envelope.Envelope, raw []byte) *envelope.WireError {
	target, we := payloadTarget(env)
	if we != nil {
		return we
	}
	// Typing indicators are fire-and-forget; offline targets drop silently.
	h.deliver(target, raw)
	return nil
}
