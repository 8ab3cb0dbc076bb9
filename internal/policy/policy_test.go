package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		FreeDailyCalls:        5,
		FreeDailyFailedStarts: 10,
		FreeHourlyAttempts:    10,
		FreeMonthlySeconds:    7200,
		FreeConcurrentCalls:   1,
		FreeMaxCallSeconds:    900,
		PenaltyMaxCallSeconds: 300,
		RelayCallsPerDay:      2,
		RelayPenaltyDays:      7,
		RingTimeoutSeconds:    30,
		TokenTTLMinutes:       10,
	}
}

func testEngine() *Engine { return NewEngine(testLimits()) }

// noon is a weekday midday instant so default business hours never interfere.
var noon = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

// baseContext is a call between two free contacts that should plainly ring.
func baseContext() CallContext {
	return CallContext{
		Caller:      &store.User{Address: "call:caller", Plan: store.PlanFree},
		Callee:      &store.User{Address: "call:callee", Plan: store.PlanFree},
		CallerUsage: &store.Usage{},
		CalleePolicy: &store.PolicyRecord{
			AllowCallsFrom:           store.AllowContacts,
			UnknownCallerBehavior:    store.UnknownRequest,
			MaxRingsPerSender:        3,
			RingWindowMinutes:        10,
			AutoBlockAfterRejections: 5,
			BusinessHoursStart:       9,
			BusinessHoursEnd:         17,
		},
		IsContact:       true,
		IsEitherContact: true,
		CalleeOnline:    true,
		Now:             noon,
	}
}

// ============================================================================
// BLOCKLIST AND AUTO-BLOCK
// ============================================================================

func TestBlockedCallerIsRefused(t *testing.T) {
	cc := baseContext()
	cc.Blocked = true

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeBlocked, d.Reason)
	assert.False(t, d.AutoBlock)
}

func TestRejectionThresholdTripsAutoBlock(t *testing.T) {
	cc := baseContext()
	cc.Rejections = 5

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeBlocked, d.Reason)
	assert.True(t, d.AutoBlock, "router must persist the blocklist entry")
}

func TestRejectionsBelowThresholdStillRing(t *testing.T) {
	cc := baseContext()
	cc.Rejections = 4
	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)
}

// ============================================================================
// RING RATE
// ============================================================================

func TestRingRateLimitPerSender(t *testing.T) {
	cc := baseContext()

	cc.RingsInWindow = 3 // the attempt itself is counted before Evaluate
	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)

	cc.RingsInWindow = 4
	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeRateLimited, d.Reason)
}

// ============================================================================
// FREE-TIER CALLER QUOTAS
// ============================================================================

func TestDailyCallQuotaBoundary(t *testing.T) {
	cc := baseContext()

	cc.CallerUsage.CallsStartedToday = 4 // fifth call of the day
	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)

	cc.CallerUsage.CallsStartedToday = 5 // sixth
	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeLimitDailyCalls, d.Reason)
}

func TestFailedStartQuota(t *testing.T) {
	cc := baseContext()
	cc.CallerUsage.FailedStartsToday = 10

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeLimitFailedStarts, d.Reason)
}

func TestHourlyAttemptQuota(t *testing.T) {
	cc := baseContext()

	cc.CallerUsage.CallAttemptsHour = 10 // tenth attempt this hour, still fine
	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)

	cc.CallerUsage.CallAttemptsHour = 11
	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeLimitHourlyAttempts, d.Reason)
}

func TestMonthlySecondsQuota(t *testing.T) {
	cc := baseContext()
	cc.CallerUsage.SecondsUsedMonth = 7200

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeLimitMonthlySeconds, d.Reason)
}

func TestConcurrentCallQuota(t *testing.T) {
	cc := baseContext()
	cc.CallerActiveCalls = 1

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeLimitConcurrent, d.Reason)
}

func TestPaidCallerSkipsQuotas(t *testing.T) {
	cc := baseContext()
	cc.Caller.Plan = store.PlanPro
	cc.CallerUsage.CallsStartedToday = 100
	cc.CallerUsage.SecondsUsedMonth = 1 << 30
	cc.CallerActiveCalls = 3

	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)
}

// ============================================================================
// GROUP / EXTERNAL-LINK GATE
// ============================================================================

func TestFreePairCannotGroupCall(t *testing.T) {
	cc := baseContext()
	cc.IsGroup = true

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeLimitGroupCalls, d.Reason)
}

func TestGroupCallAllowedWhenEitherSideIsPaid(t *testing.T) {
	cc := baseContext()
	cc.IsGroup = true
	cc.Callee.Plan = store.PlanBusiness

	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)
}

func TestExternalLinkAllowedForPaidCall(t *testing.T) {
	cc := baseContext()
	cc.IsExternalLink = true
	cc.IsPaidCall = true

	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)
}

// ============================================================================
// CONTACT REQUIREMENT AND PASSES
// ============================================================================

func TestFreeStrangersNeedAPass(t *testing.T) {
	cc := baseContext()
	cc.IsContact = false
	cc.IsEitherContact = false

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeNotApprovedContact, d.Reason)
}

func TestOneWayContactSatisfiesTheGate(t *testing.T) {
	cc := baseContext()
	cc.IsContact = false // callee hasn't added the caller...
	cc.IsEitherContact = true

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindRequest, d.Kind, "unknown caller falls to the callee's unknown behavior")
}

func TestOneTimePassRingsAndBurns(t *testing.T) {
	cc := baseContext()
	cc.IsContact = false
	cc.IsEitherContact = false
	cc.Pass = &store.Pass{ID: "p-1", Kind: store.PassOneTime, UsesLeft: 1}

	d := testEngine().Evaluate(cc)
	require.Equal(t, KindRing, d.Kind)
	assert.True(t, d.IsUnknown)
	assert.Equal(t, "p-1", d.ConsumePass)
}

func TestUnlimitedPassIsNotConsumed(t *testing.T) {
	cc := baseContext()
	cc.IsContact = false
	cc.IsEitherContact = false
	cc.Pass = &store.Pass{ID: "p-2", Kind: store.PassUnlimited}

	d := testEngine().Evaluate(cc)
	require.Equal(t, KindRing, d.Kind)
	assert.Empty(t, d.ConsumePass)
}

// ============================================================================
// PER-CONTACT OVERRIDES
// ============================================================================

func TestOverrideBlockedWinsOverContactStatus(t *testing.T) {
	cc := baseContext()
	cc.Override = &store.ContactOverride{Mode: store.OverrideBlocked}

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeBlocked, d.Reason)
}

func TestOverrideAlwaysBypassesInviteOnly(t *testing.T) {
	cc := baseContext()
	cc.CalleePolicy.AllowCallsFrom = store.AllowInviteOnly
	cc.Override = &store.ContactOverride{Mode: store.OverrideAlways}

	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)
}

func TestOverrideOneTimeConsumesOnRing(t *testing.T) {
	cc := baseContext()
	cc.Override = &store.ContactOverride{Mode: store.OverrideOneTime}

	d := testEngine().Evaluate(cc)
	require.Equal(t, KindRing, d.Kind)
	assert.True(t, d.ConsumeOverride)
}

func TestConsumedOneTimeOverrideFallsThrough(t *testing.T) {
	cc := baseContext()
	cc.CalleePolicy.AllowCallsFrom = store.AllowInviteOnly
	cc.Override = &store.ContactOverride{Mode: store.OverrideOneTime, Consumed: true}

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeInviteOnly, d.Reason)
}

func TestScheduledOverrideWindow(t *testing.T) {
	cc := baseContext()
	cc.Override = &store.ContactOverride{Mode: store.OverrideScheduled, WindowStart: 10, WindowEnd: 14}
	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)

	cc.Override.WindowStart, cc.Override.WindowEnd = 18, 20
	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeDND, d.Reason)
}

// ============================================================================
// ALLOW_CALLS_FROM
// ============================================================================

func TestAllowAnyoneRingsStrangersAsUnknown(t *testing.T) {
	cc := baseContext()
	cc.Caller.Plan = store.PlanPro // skip the free-pair contact gate
	cc.IsContact = false
	cc.IsEitherContact = false
	cc.CalleePolicy.AllowCallsFrom = store.AllowAnyone

	d := testEngine().Evaluate(cc)
	require.Equal(t, KindRing, d.Kind)
	assert.True(t, d.IsUnknown)
}

func TestInviteOnlyRefusesEvenContacts(t *testing.T) {
	cc := baseContext()
	cc.CalleePolicy.AllowCallsFrom = store.AllowInviteOnly

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeInviteOnly, d.Reason)
}

func TestUnknownCallerBehaviors(t *testing.T) {
	mk := func(behavior string) CallContext {
		cc := baseContext()
		cc.Caller.Plan = store.PlanPro
		cc.IsContact = false
		cc.IsEitherContact = false
		cc.CalleePolicy.UnknownCallerBehavior = behavior
		return cc
	}

	d := testEngine().Evaluate(mk(store.UnknownRing))
	require.Equal(t, KindRing, d.Kind)
	assert.True(t, d.IsUnknown)

	assert.Equal(t, KindRequest, testEngine().Evaluate(mk(store.UnknownRequest)).Kind)

	d = testEngine().Evaluate(mk(store.UnknownBlock))
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeBlocked, d.Reason)
}

// ============================================================================
// BUSINESS HOURS AND PAYMENT GATE
// ============================================================================

func TestOutsideBusinessHoursBecomesDND(t *testing.T) {
	cc := baseContext()
	cc.CalleePolicy.BusinessHoursEnabled = true
	cc.Now = time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC)

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodeDND, d.Reason)
}

func TestOutsideBusinessHoursWithVoicemailAutoReplies(t *testing.T) {
	cc := baseContext()
	cc.CalleePolicy.BusinessHoursEnabled = true
	cc.CalleePolicy.VoicemailEnabled = true
	cc.CalleePolicy.VoicemailText = "On vacation until Monday."
	cc.Now = time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC)

	d := testEngine().Evaluate(cc)
	require.Equal(t, KindAutoReply, d.Kind)
	assert.Equal(t, "On vacation until Monday.", d.Message)
}

func TestVoicemailFallsBackToDefaultText(t *testing.T) {
	cc := baseContext()
	cc.CalleePolicy.BusinessHoursEnabled = true
	cc.CalleePolicy.VoicemailEnabled = true
	cc.Now = time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC)

	d := testEngine().Evaluate(cc)
	require.Equal(t, KindAutoReply, d.Kind)
	assert.NotEmpty(t, d.Message)
}

func TestBusinessHoursWrapMidnight(t *testing.T) {
	assert.True(t, withinHours(time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC), 22, 6))
	assert.True(t, withinHours(time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC), 22, 6))
	assert.False(t, withinHours(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), 22, 6))
	// A degenerate window means always open.
	assert.True(t, withinHours(noon, 9, 9))
}

func TestPaymentGateBlocksUnpaidRing(t *testing.T) {
	cc := baseContext()
	cc.CalleePolicy.RequirePayment = true

	d := testEngine().Evaluate(cc)
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, envelope.CodePaymentRequired, d.Reason)

	cc.IsPaidCall = true
	assert.Equal(t, KindRing, testEngine().Evaluate(cc).Kind)
}

// ============================================================================
// DURATION CAPS AND RELAY PENALTY
// ============================================================================

func TestMaxDurationTighterParticipantWins(t *testing.T) {
	e := testEngine()
	free := &store.User{Plan: store.PlanFree}
	paid := &store.User{Plan: store.PlanPro}
	fresh := &store.Usage{}

	assert.Equal(t, 900, e.MaxDurationSeconds(free, free, fresh, &store.Usage{}, noon))
	assert.Equal(t, 900, e.MaxDurationSeconds(free, paid, fresh, &store.Usage{}, noon))
	assert.Equal(t, 0, e.MaxDurationSeconds(paid, paid, fresh, &store.Usage{}, noon), "two paid participants are uncapped")
}

func TestMaxDurationUnderRelayPenalty(t *testing.T) {
	e := testEngine()
	free := &store.User{Plan: store.PlanFree}
	until := noon.Add(time.Hour)
	penalized := &store.Usage{RelayPenaltyUntil: &until}

	assert.Equal(t, 300, e.MaxDurationSeconds(free, free, penalized, &store.Usage{}, noon))

	expired := noon.Add(-time.Hour)
	penalized.RelayPenaltyUntil = &expired
	assert.Equal(t, 900, e.MaxDurationSeconds(free, free, penalized, &store.Usage{}, noon))
}

func TestMaxDurationClampsToRemainingMonthlySeconds(t *testing.T) {
	e := testEngine()
	free := &store.User{Plan: store.PlanFree}

	nearlyOut := &store.Usage{SecondsUsedMonth: 7200 - 120}
	assert.Equal(t, 120, e.MaxDurationSeconds(free, free, nearlyOut, &store.Usage{}, noon))

	overdrawn := &store.Usage{SecondsUsedMonth: 8000}
	assert.Equal(t, 0, e.participantCap(free, overdrawn, noon))
}

func TestRelayPenaltyDue(t *testing.T) {
	e := testEngine()

	_, due := e.RelayPenaltyDue(1, noon)
	assert.False(t, due)

	until, due := e.RelayPenaltyDue(2, noon)
	require.True(t, due)
	assert.Equal(t, noon.Add(7*24*time.Hour), until)
}
