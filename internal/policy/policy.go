// Package policy decides what happens to a call attempt. The engine is pure:
// the router assembles a CallContext from the stores and the engine walks the
// rule chain without touching I/O, which keeps every branch unit-testable.
package policy

import (
	"time"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

// Decision kinds.
type Kind int

const (
	KindRing Kind = iota
	KindRequest
	KindBlock
	KindAutoReply
)

// Decision is the engine's verdict on one call attempt.
type Decision struct {
	Kind Kind

	// IsUnknown marks a ring from a caller the callee has not added. The
	// client renders these differently.
	IsUnknown bool

	// Reason is the stable wire code for KindBlock.
	Reason string

	// Message is the synthesized text for KindAutoReply.
	Message string

	// ConsumePass is set when a one-time or limited pass authorized the ring
	// and must be burned on success.
	ConsumePass string

	// ConsumeOverride is set when a one-time override authorized the ring.
	ConsumeOverride bool

	// AutoBlock is set when the rejection threshold tripped; the router
	// persists the blocklist entry.
	AutoBlock bool
}

func ring(unknown bool) Decision { return Decision{Kind: KindRing, IsUnknown: unknown} }
func block(reason string) Decision {
	return Decision{Kind: KindBlock, Reason: reason}
}

// CallContext is everything the engine needs to judge one (caller, callee)
// attempt. All fields are pre-fetched; the engine never blocks.
type CallContext struct {
	Caller *store.User
	Callee *store.User

	CallerUsage *store.Usage

	// CalleePolicy is never nil; the store returns defaults for users who
	// never touched their settings.
	CalleePolicy *store.PolicyRecord

	// IsContact: the callee has added the caller. IsEitherContact: either
	// direction of the pair exists.
	IsContact       bool
	IsEitherContact bool

	IsGroup        bool
	IsExternalLink bool
	IsPaidCall     bool

	// Pass is a pre-validated invite pass accompanying the attempt, nil when
	// absent, expired, revoked or exhausted.
	Pass *store.Pass

	// Override is the callee's per-contact override for this caller, nil
	// when none exists.
	Override *store.ContactOverride

	// Blocked: the caller is on the callee's live blocklist.
	Blocked bool

	// Rejections is the cumulative (callee, caller) rejection count.
	Rejections int

	// RingsInWindow counts the caller's ring attempts at this callee inside
	// the callee's ring window.
	RingsInWindow int

	// CallerActiveCalls is the caller's current in-flight call count.
	CallerActiveCalls int

	CalleeOnline bool

	Now time.Time
}

// Engine evaluates call attempts against the configured limits.
type Engine struct {
	limits config.LimitsConfig
}

func NewEngine(limits config.LimitsConfig) *Engine {
	return &Engine{limits: limits}
}

// Evaluate walks the rule chain in order; the first match wins.
func (e *Engine) Evaluate(cc CallContext) Decision {
	pol := cc.CalleePolicy

	// 1. Hard blocklist.
	if cc.Blocked {
		return block(envelope.CodeBlocked)
	}

	// 2. Auto-block threshold.
	if pol.AutoBlockAfterRejections > 0 && cc.Rejections >= pol.AutoBlockAfterRejections {
		d := block(envelope.CodeBlocked)
		d.AutoBlock = true
		return d
	}

	// 3. Ring rate limit per sender.
	if pol.MaxRingsPerSender > 0 && cc.RingsInWindow > pol.MaxRingsPerSender {
		return block(envelope.CodeRateLimited)
	}

	// 4. Free-tier caller quotas.
	if d, blocked := e.callerQuota(cc); blocked {
		return d
	}

	// 5. Free-tier callees don't take group or external-link calls from
	// unpaid callers.
	if (cc.IsGroup || cc.IsExternalLink) &&
		!store.PaidPlan(cc.Callee.Plan) && !store.PaidPlan(cc.Caller.Plan) && !cc.IsPaidCall {
		return block(envelope.CodeLimitGroupCalls)
	}

	// 6. Contact requirement between two free users.
	if !store.PaidPlan(cc.Caller.Plan) && !store.PaidPlan(cc.Callee.Plan) &&
		!cc.IsEitherContact && cc.Pass == nil {
		return block(envelope.CodeNotApprovedContact)
	}

	// 7. Valid invite pass rings straight through.
	if cc.Pass != nil {
		d := ring(!cc.IsContact)
		if cc.Pass.Kind != store.PassUnlimited {
			d.ConsumePass = cc.Pass.ID
		}
		return d
	}

	// 8. Per-contact override.
	if cc.Override != nil {
		if d, resolved := e.resolveOverride(cc); resolved {
			return d
		}
	}

	// 9. allow_calls_from.
	switch pol.AllowCallsFrom {
	case store.AllowAnyone:
		return e.afterGate(cc, ring(!cc.IsContact))
	case store.AllowInviteOnly:
		return block(envelope.CodeInviteOnly)
	default: // contacts
		if cc.IsContact {
			return e.afterGate(cc, ring(false))
		}
		switch pol.UnknownCallerBehavior {
		case store.UnknownRing:
			return e.afterGate(cc, ring(true))
		case store.UnknownRequest:
			return Decision{Kind: KindRequest}
		default:
			return block(envelope.CodeBlocked)
		}
	}
}

// afterGate applies the trailing rules (business hours, payment gate) that
// only matter once the caller is otherwise allowed to ring.
func (e *Engine) afterGate(cc CallContext, d Decision) Decision {
	pol := cc.CalleePolicy

	// 10. Business hours / DND.
	if pol.BusinessHoursEnabled && !withinHours(cc.Now, pol.BusinessHoursStart, pol.BusinessHoursEnd) {
		if pol.VoicemailEnabled {
			msg := pol.VoicemailText
			if msg == "" {
				msg = "Outside business hours. Leave a message and they'll get back to you."
			}
			return Decision{Kind: KindAutoReply, Message: msg}
		}
		return block(envelope.CodeDND)
	}

	// 11. Payment gate.
	if pol.RequirePayment && !cc.IsPaidCall {
		return block(envelope.CodePaymentRequired)
	}
	return d
}

// callerQuota checks the free-tier caps in their fixed order.
func (e *Engine) callerQuota(cc CallContext) (Decision, bool) {
	if store.PaidPlan(cc.Caller.Plan) {
		return Decision{}, false
	}
	u := cc.CallerUsage
	switch {
	case u.CallAttemptsHour > e.limits.FreeHourlyAttempts:
		return block(envelope.CodeLimitHourlyAttempts), true
	case u.FailedStartsToday >= e.limits.FreeDailyFailedStarts:
		return block(envelope.CodeLimitFailedStarts), true
	case u.CallsStartedToday >= e.limits.FreeDailyCalls:
		return block(envelope.CodeLimitDailyCalls), true
	case u.SecondsUsedMonth >= e.limits.FreeMonthlySeconds:
		return block(envelope.CodeLimitMonthlySeconds), true
	case cc.CallerActiveCalls >= e.limits.FreeConcurrentCalls:
		return block(envelope.CodeLimitConcurrent), true
	}
	return Decision{}, false
}

func (e *Engine) resolveOverride(cc CallContext) (Decision, bool) {
	o := cc.Override
	switch o.Mode {
	case store.OverrideBlocked:
		return block(envelope.CodeBlocked), true
	case store.OverrideAlways:
		return e.afterGate(cc, ring(!cc.IsContact)), true
	case store.OverrideOneTime:
		if o.Consumed {
			return Decision{}, false
		}
		d := e.afterGate(cc, ring(!cc.IsContact))
		if d.Kind == KindRing {
			d.ConsumeOverride = true
		}
		return d, true
	case store.OverrideScheduled:
		if withinHours(cc.Now, o.WindowStart, o.WindowEnd) {
			return e.afterGate(cc, ring(!cc.IsContact)), true
		}
		return block(envelope.CodeDND), true
	}
	return Decision{}, false
}

// withinHours reports whether t's hour falls inside [start, end), handling
// windows that wrap midnight (e.g. 22–06).
func withinHours(t time.Time, start, end int) bool {
	if start == end {
		return true
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// MaxDurationSeconds computes the duration cap for a call between the two
// participants: free tier gets the base cap, halved to the penalty cap while
// inside a relay-penalty window, and clamped to remaining monthly seconds.
// The tighter participant wins. Zero means uncapped.
func (e *Engine) MaxDurationSeconds(caller, callee *store.User, callerUsage, calleeUsage *store.Usage, now time.Time) int {
	a := e.participantCap(caller, callerUsage, now)
	b := e.participantCap(callee, calleeUsage, now)
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func (e *Engine) participantCap(u *store.User, usage *store.Usage, now time.Time) int {
	if store.PaidPlan(u.Plan) {
		return 0
	}
	limit := e.limits.FreeMaxCallSeconds
	if usage.RelayPenaltyUntil != nil && usage.RelayPenaltyUntil.After(now) {
		limit = e.limits.PenaltyMaxCallSeconds
	}
	if remaining := e.limits.FreeMonthlySeconds - usage.SecondsUsedMonth; remaining < int64(limit) {
		if remaining < 0 {
			remaining = 0
		}
		limit = int(remaining)
	}
	return limit
}

// RelayPenaltyDue reports whether relayCalls24h crosses the penalty
// threshold, and if so the window end.
func (e *Engine) RelayPenaltyDue(relayCalls24h int, now time.Time) (time.Time, bool) {
	if relayCalls24h < e.limits.RelayCallsPerDay {
		return time.Time{}, false
	}
	return now.Add(time.Duration(e.limits.RelayPenaltyDays) * 24 * time.Hour), true
}
