package hub

import (
	"context"
	"time"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

const (
	sweepInterval = 10 * time.Second
	// staleAfter is how old both heartbeats must be before a call counts as
	// abandoned.
	staleAfter = 45 * time.Second
	// tokenGrace keeps expired token rows around long enough that a late
	// replay still classifies as token_expired instead of token_not_found.
	tokenGrace = 24 * time.Hour
)

// RunSweeper is the background loop: terminate abandoned and over-cap calls,
// prune expired tokens, nonce memos and ring trackers. Each pass uses its own
// short context and is safe to run alongside another instance's sweeper.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce(ctx)
		}
	}
}

func (h *Hub) sweepOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		h.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	passCtx, cancel := context.WithTimeout(ctx, sweepInterval)
	defer cancel()

	calls, err := h.backend.ListActiveCalls(passCtx)
	if err != nil {
		h.log.Error("sweep: list active calls", "error", err)
	} else {
		now := time.Now()
		for _, call := range calls {
			switch {
			case now.Sub(call.LastHeartbeatCaller) > staleAfter &&
				now.Sub(call.LastHeartbeatCallee) > staleAfter:
				h.sweepCall(passCtx, call, "swept")
			case call.MaxDurationSeconds > 0 &&
				now.Sub(call.StartedAt) > time.Duration(call.MaxDurationSeconds)*time.Second:
				h.sweepCall(passCtx, call, "duration_cap")
			}
		}
	}

	if n, err := h.backend.DeleteExpiredTokens(passCtx, time.Now().Add(-tokenGrace)); err != nil {
		h.log.Error("sweep: token prune", "error", err)
	} else if n > 0 {
		h.log.Debug("sweep: pruned tokens", "count", n)
	}

	h.memo.Prune()
	h.rings.Prune(time.Hour)
}

// sweepCall terminates one abandoned or over-cap call: credit seconds from
// the durable row, notify whichever side is still reachable, clean up both
// the row and any local state.
func (h *Hub) sweepCall(ctx context.Context, call *store.ActiveCall, outcome string) {
	if cs := h.callBySession(call.SessionID); cs != nil {
		// This instance owns the call's in-memory state; endCall does the
		// full accounting.
		if h.endCall(ctx, cs, outcome) {
			h.notifySwept(call, outcome)
		}
		return
	}

	// Row from another instance (or a restart). Account from the row alone.
	duration := int64(time.Since(call.StartedAt).Seconds())
	if call.MaxDurationSeconds > 0 && duration > int64(call.MaxDurationSeconds) {
		duration = int64(call.MaxDurationSeconds)
	}
	h.creditSeconds(ctx, &callState{caller: call.CallerAddress, callee: call.CalleeAddress}, duration)
	if err := h.backend.DeleteActiveCall(ctx, call.SessionID); err != nil {
		h.log.Error("sweep: delete call", "session", call.SessionID, "error", err)
		return
	}
	h.metrics.ActiveCalls.Dec()
	if err := h.backend.RecordCall(ctx, &store.CallRecord{
		SessionID:     call.SessionID,
		CallerAddress: call.CallerAddress,
		CalleeAddress: call.CalleeAddress,
		StartedAt:     call.StartedAt,
		DurationSec:   int(duration),
		Outcome:       outcome,
		RelayUsed:     call.RelayUsed,
	}); err != nil {
		h.log.Error("sweep: history", "session", call.SessionID, "error", err)
	}
	h.metrics.CallsEnded.WithLabelValues(outcome).Inc()
	h.notifySwept(call, outcome)
}

func (h *Hub) notifySwept(call *store.ActiveCall, reason string) {
	f := frame("call:end", map[string]string{
		"session_id": call.SessionID, "reason": reason,
	})
	h.deliver(call.CallerAddress, f)
	h.deliver(call.CalleeAddress, f)
}
