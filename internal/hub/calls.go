package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/policy"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

type callPhase int

const (
	phaseRinging callPhase = iota
	phaseConnecting
	phaseConnected
	phaseEnded
)

// callState is the in-memory side of one call. The active-call row is its
// durable shadow from accept onward; RINGING exists only here.
type callState struct {
	sessionID   string
	caller      string
	callee      string
	phase       callPhase
	startedAt   time.Time
	connectedAt time.Time
	ringTimer   *time.Timer
	maxDuration int
	relayUsed   bool

	// Heartbeats double as media-path evidence: the call is CONNECTED once
	// both sides have reported one.
	hbCaller bool
	hbCallee bool
}

func (h *Hub) callBySession(sessionID string) *callState {
	h.callMu.Lock()
	defer h.callMu.Unlock()
	return h.calls[sessionID]
}

// handleCallInit runs the full init pipeline: token, counters, policy, ring.
func (h *Hub) handleCallInit(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p callInitPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	if p.To == "" {
		return envelope.Errf(envelope.CodeBadSignature, "missing callee address")
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	caller := env.FromAddress

	// Every call initiation burns a fresh single-use token.
	if _, we := h.tokens.Verify(ctx, p.Token, caller, c.ip); we != nil {
		h.metrics.TokenEvents.WithLabelValues("rejected").Inc()
		return we
	}
	h.metrics.TokenEvents.WithLabelValues("used").Inc()

	callerUser, err := h.backend.GetUser(ctx, caller)
	if err != nil {
		return internalErr(h, "call init: caller lookup", err)
	}
	calleeUser, err := h.backend.GetUser(ctx, p.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return envelope.Errf(envelope.CodeRecipientOffline, "unknown callee")
		}
		return internalErr(h, "call init: callee lookup", err)
	}

	// Counters move before policy runs; the attempt counts even if blocked.
	attempts, err := h.backend.IncrementCallAttempts(ctx, caller)
	if err != nil {
		return internalErr(h, "call init: attempts", err)
	}
	cc, we := h.assembleContext(ctx, callerUser, calleeUser, &p)
	if we != nil {
		return we
	}
	cc.CallerUsage.CallAttemptsHour = attempts
	cc.RingsInWindow = h.rings.Record(caller, p.To,
		time.Duration(cc.CalleePolicy.RingWindowMinutes)*time.Minute)

	decision := h.engine.Evaluate(*cc)
	h.metrics.PolicyDecisions.WithLabelValues(decisionLabel(decision)).Inc()

	switch decision.Kind {
	case policy.KindBlock:
		if decision.AutoBlock {
			h.autoBlock(ctx, p.To, caller)
		}
		if err := h.backend.IncrementFailedStarts(ctx, caller); err != nil {
			h.log.Error("call init: failed-start counter", "error", err)
		}
		c.Send(frame("call:blocked", map[string]string{
			"session_id": p.SessionID, "reason": decision.Reason,
		}))
		return nil

	case policy.KindRequest:
		if !h.deliver(p.To, frame("call:request", map[string]any{
			"session_id": p.SessionID, "from": caller, "video": p.Video,
		})) {
			c.Send(frame("call:unavailable", map[string]string{"session_id": p.SessionID}))
		} else {
			c.Send(successFrame(envelope.TypeCallInit, map[string]string{
				"session_id": p.SessionID, "state": "requested",
			}))
		}
		return nil

	case policy.KindAutoReply:
		h.autoReply(ctx, p.To, caller, decision.Message)
		c.Send(frame("call:dnd", map[string]string{
			"session_id": p.SessionID, "message": decision.Message,
		}))
		return nil
	}

	// Ring path.
	if !h.online(p.To) {
		if err := h.backend.IncrementFailedStarts(ctx, caller); err != nil {
			h.log.Error("call init: failed-start counter", "error", err)
		}
		return envelope.Errf(envelope.CodeRecipientOffline, "")
	}

	if decision.ConsumePass != "" {
		if _, err := h.backend.ConsumePass(ctx, decision.ConsumePass, time.Now()); err != nil {
			h.log.Error("call init: consume pass", "pass", decision.ConsumePass, "error", err)
		} else {
			h.deliver(p.To, frame("pass:used", map[string]string{
				"pass_id": decision.ConsumePass, "by": caller,
			}))
		}
	}
	if decision.ConsumeOverride {
		if err := h.backend.ConsumeContactOverride(ctx, p.To, caller); err != nil {
			h.log.Error("call init: consume override", "error", err)
		}
	}
	if err := h.backend.IncrementCallsStarted(ctx, caller); err != nil {
		return internalErr(h, "call init: calls counter", err)
	}

	calleeUsage, err := h.backend.GetOrCreateUsage(ctx, p.To)
	if err != nil {
		return internalErr(h, "call init: callee usage", err)
	}
	maxDur := h.engine.MaxDurationSeconds(callerUser, calleeUser, cc.CallerUsage, calleeUsage, time.Now())

	cs := &callState{
		sessionID:   p.SessionID,
		caller:      caller,
		callee:      p.To,
		phase:       phaseRinging,
		startedAt:   time.Now(),
		maxDuration: maxDur,
	}
	ringTimeout := time.Duration(h.limits.RingTimeoutSeconds) * time.Second
	cs.ringTimer = time.AfterFunc(ringTimeout, func() { h.ringTimeout(p.SessionID) })

	h.callMu.Lock()
	h.calls[p.SessionID] = cs
	h.callMu.Unlock()
	h.metrics.CallsStarted.Inc()

	h.deliver(p.To, frame("call:incoming", map[string]any{
		"session_id": p.SessionID,
		"from":       caller,
		"is_unknown": decision.IsUnknown,
		"video":      p.Video && store.PaidPlan(callerUser.Plan),
	}))
	c.Send(frame("call:ringing", map[string]any{
		"session_id":           p.SessionID,
		"max_duration_seconds": maxDur,
	}))
	return nil
}

// assembleContext gathers everything the pure engine needs.
func (h *Hub) assembleContext(ctx context.Context, caller, callee *store.User, p *callInitPayload) (*policy.CallContext, *envelope.WireError) {
	usage, err := h.backend.GetOrCreateUsage(ctx, caller.Address)
	if err != nil {
		return nil, internalErr(h, "policy: usage", err)
	}
	pol, err := h.backend.GetPolicy(ctx, callee.Address)
	if err != nil {
		return nil, internalErr(h, "policy: record", err)
	}
	calleeHasCaller, err := h.backend.HasContact(ctx, callee.Address, caller.Address)
	if err != nil {
		return nil, internalErr(h, "policy: contacts", err)
	}
	callerHasCallee, err := h.backend.HasContact(ctx, caller.Address, callee.Address)
	if err != nil {
		return nil, internalErr(h, "policy: contacts", err)
	}
	blocked, err := h.backend.IsBlocked(ctx, callee.Address, caller.Address, time.Now())
	if err != nil {
		return nil, internalErr(h, "policy: blocklist", err)
	}
	rejections, err := h.backend.Rejections(ctx, callee.Address, caller.Address)
	if err != nil {
		return nil, internalErr(h, "policy: rejections", err)
	}
	active, err := h.backend.ActiveCallsFor(ctx, caller.Address)
	if err != nil {
		return nil, internalErr(h, "policy: active calls", err)
	}

	var pass *store.Pass
	if p.PassID != "" {
		got, err := h.backend.GetPass(ctx, p.PassID)
		if err == nil && passValid(got, callee.Address, time.Now()) {
			pass = got
		}
	}
	var override *store.ContactOverride
	if o, err := h.backend.GetContactOverride(ctx, callee.Address, caller.Address); err == nil {
		override = o
	}

	return &policy.CallContext{
		Caller:            caller,
		Callee:            callee,
		CallerUsage:       usage,
		CalleePolicy:      pol,
		IsContact:         calleeHasCaller,
		IsEitherContact:   calleeHasCaller || callerHasCallee,
		IsGroup:           p.IsGroup,
		IsExternalLink:    p.IsExternalLink,
		IsPaidCall:        p.PaidCall,
		Pass:              pass,
		Override:          override,
		Blocked:           blocked,
		Rejections:        rejections,
		CallerActiveCalls: len(active),
		CalleeOnline:      h.online(callee.Address),
		Now:               time.Now(),
	}, nil
}

func passValid(p *store.Pass, owner string, now time.Time) bool {
	if p.Revoked || p.OwnerAddress != owner {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return false
	}
	return p.Kind == store.PassUnlimited || p.UsesLeft > 0
}

// handleCallAccept moves RINGING → CONNECTING, persists the active-call row
// and relays the original frame to the caller. Idempotent.
func (h *Hub) handleCallAccept(ctx context.Context, c *conn, env *envelope.Envelope, raw []byte) *envelope.WireError {
	var p callRefPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	cs := h.callBySession(p.SessionID)
	if cs == nil || env.FromAddress != cs.callee {
		return envelope.Errf(envelope.CodeRecipientOffline, "no such ringing call")
	}

	h.callMu.Lock()
	if cs.phase != phaseRinging {
		h.callMu.Unlock()
		return nil // second accept is a no-op
	}
	cs.phase = phaseConnecting
	if cs.ringTimer != nil {
		cs.ringTimer.Stop()
	}
	h.callMu.Unlock()

	err := h.backend.CreateActiveCall(ctx, &store.ActiveCall{
		SessionID:          cs.sessionID,
		CallerAddress:      cs.caller,
		CalleeAddress:      cs.callee,
		CallerTier:         h.planOf(ctx, cs.caller),
		CalleeTier:         h.planOf(ctx, cs.callee),
		StartedAt:          time.Now(),
		MaxDurationSeconds: cs.maxDuration,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return internalErr(h, "call accept: active call", err)
	}
	h.metrics.ActiveCalls.Inc()

	h.deliver(cs.caller, raw)
	h.deliver(cs.caller, frame("call:connecting", map[string]string{"session_id": cs.sessionID}))
	return nil
}

// handleCallReject ends a ringing call and feeds the auto-block counter.
func (h *Hub) handleCallReject(ctx context.Context, c *conn, env *envelope.Envelope, raw []byte) *envelope.WireError {
	var p callRefPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	cs := h.callBySession(p.SessionID)
	if cs == nil || env.FromAddress != cs.callee {
		return nil // already gone; rejection of a dead call is a no-op
	}

	count, err := h.backend.IncrementRejections(ctx, cs.callee, cs.caller)
	if err != nil {
		h.log.Error("call reject: rejection counter", "error", err)
	}
	pol, perr := h.backend.GetPolicy(ctx, cs.callee)
	if perr == nil && pol.AutoBlockAfterRejections > 0 && count >= pol.AutoBlockAfterRejections {
		h.autoBlock(ctx, cs.callee, cs.caller)
	}

	h.endCall(ctx, cs, "rejected")
	h.deliver(cs.caller, raw)
	return nil
}

// handleCallEnd ends the call from either side. Idempotent.
func (h *Hub) handleCallEnd(ctx context.Context, c *conn, env *envelope.Envelope, raw []byte) *envelope.WireError {
	var p callRefPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	cs := h.callBySession(p.SessionID)
	if cs == nil || (env.FromAddress != cs.caller && env.FromAddress != cs.callee) {
		return nil
	}
	other := cs.caller
	if env.FromAddress == cs.caller {
		other = cs.callee
	}
	if h.endCall(ctx, cs, "completed") {
		h.deliver(other, raw)
	}
	return nil
}

// handleCallHeartbeat refreshes the sender's heartbeat column. Heartbeats are
// the only media-path evidence on this wire, so CONNECTING → CONNECTED fires
// once both sides have reported one.
func (h *Hub) handleCallHeartbeat(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p callRefPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	cs := h.callBySession(p.SessionID)
	if cs == nil {
		return envelope.Errf(envelope.CodeRecipientOffline, "no such call")
	}

	h.callMu.Lock()
	switch env.FromAddress {
	case cs.caller:
		cs.hbCaller = true
	case cs.callee:
		cs.hbCallee = true
	}
	if cs.phase == phaseConnecting && cs.hbCaller && cs.hbCallee {
		cs.phase = phaseConnected
		cs.connectedAt = time.Now()
	}
	h.callMu.Unlock()

	if err := h.backend.HeartbeatActiveCall(ctx, p.SessionID, env.FromAddress, time.Now()); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		h.log.Error("heartbeat", "session", p.SessionID, "error", err)
	}
	return nil
}

// handleRelayUsed marks TURN usage on the call and applies the relay-penalty
// rule to the reporting user.
func (h *Hub) handleRelayUsed(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p callRefPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	cs := h.callBySession(p.SessionID)
	if cs == nil {
		return nil
	}
	h.callMu.Lock()
	already := cs.relayUsed
	cs.relayUsed = true
	h.callMu.Unlock()
	if already {
		return nil
	}

	now := time.Now()
	if err := h.backend.SetRelayUsed(ctx, p.SessionID); err != nil {
		h.log.Error("relay used", "session", p.SessionID, "error", err)
	}
	if err := h.backend.RecordRelayCall(ctx, env.FromAddress, now); err != nil {
		h.log.Error("relay event", "error", err)
	}
	count, err := h.backend.RelayCallsSince(ctx, env.FromAddress, now.Add(-24*time.Hour))
	if err != nil {
		return nil
	}
	if until, due := h.engine.RelayPenaltyDue(count, now); due {
		if err := h.backend.SetRelayPenalty(ctx, env.FromAddress, until); err != nil {
			h.log.Error("relay penalty", "error", err)
		}
	}
	return nil
}

// ringTimeout fires when nobody answered inside the ring window.
func (h *Hub) ringTimeout(sessionID string) {
	cs := h.callBySession(sessionID)
	if cs == nil {
		return
	}
	h.callMu.Lock()
	stillRinging := cs.phase == phaseRinging
	h.callMu.Unlock()
	if !stillRinging {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()
	if h.endCall(ctx, cs, "missed") {
		h.deliver(cs.caller, frame("call:unavailable", map[string]string{"session_id": sessionID}))
		h.deliver(cs.callee, frame("call:end", map[string]string{
			"session_id": sessionID, "reason": "timeout",
		}))
	}
}

// cancelRingingFor synthesizes call:end for calls the disconnecting address
// initiated while they were still ringing.
func (h *Hub) cancelRingingFor(address string) {
	h.callMu.Lock()
	var ringing []*callState
	for _, cs := range h.calls {
		if cs.caller == address && cs.phase == phaseRinging {
			ringing = append(ringing, cs)
		}
	}
	h.callMu.Unlock()

	for _, cs := range ringing {
		ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
		if h.endCall(ctx, cs, "missed") {
			h.deliver(cs.callee, frame("call:end", map[string]string{
				"session_id": cs.sessionID, "reason": "caller_disconnected",
			}))
		}
		cancel()
	}
}

// endCall is the single ENDED transition: credit seconds, drop the
// active-call row, write history, clear state. Returns false when the call
// was already ended (idempotence).
func (h *Hub) endCall(ctx context.Context, cs *callState, outcome string) bool {
	h.callMu.Lock()
	if cs.phase == phaseEnded {
		h.callMu.Unlock()
		return false
	}
	wasConnected := cs.phase == phaseConnected || cs.phase == phaseConnecting
	connectedAt := cs.connectedAt
	cs.phase = phaseEnded
	if cs.ringTimer != nil {
		cs.ringTimer.Stop()
	}
	delete(h.calls, cs.sessionID)
	h.callMu.Unlock()

	duration := 0
	if wasConnected {
		base := connectedAt
		if base.IsZero() {
			base = cs.startedAt
		}
		duration = int(time.Since(base).Seconds())
		h.creditSeconds(ctx, cs, int64(duration))
		if err := h.backend.DeleteActiveCall(ctx, cs.sessionID); err != nil {
			h.log.Error("end call: delete active", "session", cs.sessionID, "error", err)
		}
		h.metrics.ActiveCalls.Dec()
	}

	if err := h.backend.RecordCall(ctx, &store.CallRecord{
		SessionID:     cs.sessionID,
		CallerAddress: cs.caller,
		CalleeAddress: cs.callee,
		StartedAt:     cs.startedAt,
		DurationSec:   duration,
		Outcome:       outcome,
		RelayUsed:     cs.relayUsed,
	}); err != nil {
		h.log.Error("end call: history", "session", cs.sessionID, "error", err)
	}
	h.metrics.CallsEnded.WithLabelValues(outcome).Inc()
	return true
}

// creditSeconds charges the call duration to both participants' monthly
// counters. Tier gates quota enforcement, never the accounting itself.
func (h *Hub) creditSeconds(ctx context.Context, cs *callState, seconds int64) {
	if seconds <= 0 {
		return
	}
	h.metrics.CallSeconds.Add(float64(seconds))
	for _, addr := range []string{cs.caller, cs.callee} {
		if err := h.backend.AddSecondsUsed(ctx, addr, seconds); err != nil {
			h.log.Error("credit seconds", "address", addr, "error", err)
		}
	}
}

// autoBlock adds caller to callee's blocklist after repeated rejections.
func (h *Hub) autoBlock(ctx context.Context, callee, caller string) {
	if err := h.backend.AddBlock(ctx, &store.BlockEntry{
		OwnerAddress:   callee,
		BlockedAddress: caller,
		Reason:         "auto_rejections",
	}); err != nil {
		h.log.Error("auto block", "error", err)
	}
}

// autoReply synthesizes a text message from callee back to caller through
// the normal ledger path.
func (h *Hub) autoReply(ctx context.Context, callee, caller, text string) {
	convo, err := h.backend.EnsureDirectConversation(ctx, callee, caller)
	if err != nil {
		h.log.Error("auto reply: conversation", "error", err)
		return
	}
	status := store.StatusPending
	if h.online(caller) {
		status = store.StatusDelivered
	}
	content, _ := json.Marshal(map[string]string{"text": text})
	m, err := h.backend.AppendMessage(ctx, &store.Message{
		ConvoID:     convo.ID,
		FromAddress: callee,
		ToAddress:   caller,
		Content:     content,
		MediaType:   "text/auto-reply",
		Status:      status,
	})
	if err != nil {
		h.log.Error("auto reply: append", "error", err)
		return
	}
	h.metrics.MessagesPersisted.Inc()
	if status == store.StatusDelivered {
		h.deliver(caller, frame("msg:incoming", wireMessage(m)))
	}
}

func (h *Hub) planOf(ctx context.Context, address string) string {
	u, err := h.backend.GetUser(ctx, address)
	if err != nil {
		return store.PlanFree
	}
	return u.Plan
}

func internalErr(h *Hub, msg string, err error) *envelope.WireError {
	h.log.Error(msg, "error", err)
	return envelope.Errf(envelope.CodeInternal, "")
}

func decisionLabel(d policy.Decision) string {
	switch d.Kind {
	case policy.KindRing:
		return "ring"
	case policy.KindRequest:
		return "request"
	case policy.KindAutoReply:
		return "auto_reply"
	default:
		return "block"
	}
}
