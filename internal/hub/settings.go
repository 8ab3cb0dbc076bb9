package hub

import (
	"context"

	"github.com/google/uuid"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/identity"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

// Self-service handlers: contacts, call policy, invite passes, blocklist.
// These all operate on the sender's own records; the envelope signature is
// the authorization.

func (h *Hub) handleContactAdd(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p contactPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	if !identity.ValidAddress(p.Address) {
		return envelope.Errf(envelope.CodeBadSignature, "invalid contact address")
	}
	if err := h.backend.AddContact(ctx, &store.Contact{
		OwnerAddress:   env.FromAddress,
		ContactAddress: p.Address,
		Name:           p.Name,
		AlwaysAllowed:  p.AlwaysAllowed,
	}); err != nil {
		return internalErr(h, "contact add", err)
	}
	c.Send(successFrame(envelope.TypeContactAdd, nil))
	h.deliver(p.Address, frame("contact:added_by", map[string]string{"address": env.FromAddress}))
	return nil
}

func (h *Hub) handleContactRemove(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p contactPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	if err := h.backend.RemoveContact(ctx, env.FromAddress, p.Address); err != nil {
		return internalErr(h, "contact remove", err)
	}
	c.Send(successFrame(envelope.TypeContactRemove, nil))
	return nil
}

func (h *Hub) handlePolicyGet(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	pol, err := h.backend.GetPolicy(ctx, env.FromAddress)
	if err != nil {
		return internalErr(h, "policy get", err)
	}
	c.Send(successFrame(envelope.TypePolicyGet, wirePolicy(pol)))
	return nil
}

// handlePolicySet merges the provided fields into the caller's policy.
func (h *Hub) handlePolicySet(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p policySetPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	pol, err := h.backend.GetPolicy(ctx, env.FromAddress)
	if err != nil {
		return internalErr(h, "policy set: read", err)
	}

	if p.AllowCallsFrom != "" {
		switch p.AllowCallsFrom {
		case store.AllowAnyone, store.AllowContacts, store.AllowInviteOnly:
			pol.AllowCallsFrom = p.AllowCallsFrom
		default:
			return envelope.Errf(envelope.CodeBadSignature, "invalid allow_calls_from")
		}
	}
	if p.UnknownCallerBehavior != "" {
		switch p.UnknownCallerBehavior {
		case store.UnknownBlock, store.UnknownRing, store.UnknownRequest:
			pol.UnknownCallerBehavior = p.UnknownCallerBehavior
		default:
			return envelope.Errf(envelope.CodeBadSignature, "invalid unknown_caller_behavior")
		}
	}
	if p.MaxRingsPerSender > 0 {
		pol.MaxRingsPerSender = p.MaxRingsPerSender
	}
	if p.RingWindowMinutes > 0 {
		pol.RingWindowMinutes = p.RingWindowMinutes
	}
	if p.AutoBlockAfterRejections > 0 {
		pol.AutoBlockAfterRejections = p.AutoBlockAfterRejections
	}
	if p.BusinessHoursEnabled != nil {
		pol.BusinessHoursEnabled = *p.BusinessHoursEnabled
	}
	if p.BusinessHoursStart > 0 || p.BusinessHoursEnd > 0 {
		pol.BusinessHoursStart = p.BusinessHoursStart
		pol.BusinessHoursEnd = p.BusinessHoursEnd
	}
	if p.VoicemailEnabled != nil {
		pol.VoicemailEnabled = *p.VoicemailEnabled
	}
	if p.VoicemailText != "" {
		pol.VoicemailText = p.VoicemailText
	}
	if p.RequirePayment != nil {
		pol.RequirePayment = *p.RequirePayment
	}

	if err := h.backend.UpsertPolicy(ctx, pol); err != nil {
		return internalErr(h, "policy set: write", err)
	}
	c.Send(successFrame(envelope.TypePolicySet, wirePolicy(pol)))
	return nil
}

func (h *Hub) handlePassCreate(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p passCreatePayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	pass := &store.Pass{
		ID:           uuid.NewString(),
		OwnerAddress: env.FromAddress,
		Kind:         p.Kind,
		ExpiresAt:    hoursFromNow(p.TTLHours),
	}
	switch p.Kind {
	case store.PassOneTime:
		pass.UsesLeft = 1
	case store.PassLimited:
		if p.Uses <= 0 {
			return envelope.Errf(envelope.CodeBadSignature, "limited pass needs uses > 0")
		}
		pass.UsesLeft = p.Uses
	case store.PassUnlimited:
	default:
		return envelope.Errf(envelope.CodeBadSignature, "invalid pass kind")
	}
	if err := h.backend.CreatePass(ctx, pass); err != nil {
		return internalErr(h, "pass create", err)
	}
	c.Send(successFrame(envelope.TypePassCreate, map[string]any{
		"pass_id": pass.ID, "kind": pass.Kind, "uses_left": pass.UsesLeft,
	}))
	return nil
}

func (h *Hub) handlePassRevoke(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p passRefPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	pass, err := h.backend.GetPass(ctx, p.PassID)
	if err != nil || pass.OwnerAddress != env.FromAddress {
		return envelope.Errf(envelope.CodeNotRegistered, "not your pass")
	}
	if err := h.backend.RevokePass(ctx, p.PassID); err != nil {
		return internalErr(h, "pass revoke", err)
	}
	c.Send(successFrame(envelope.TypePassRevoke, nil))
	return nil
}

func (h *Hub) handleBlockAdd(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p blockPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	if !identity.ValidAddress(p.Address) {
		return envelope.Errf(envelope.CodeBadSignature, "invalid address")
	}
	if err := h.backend.AddBlock(ctx, &store.BlockEntry{
		OwnerAddress:   env.FromAddress,
		BlockedAddress: p.Address,
		Reason:         p.Reason,
		Until:          hoursFromNow(p.ForHours),
	}); err != nil {
		return internalErr(h, "block add", err)
	}
	c.Send(successFrame(envelope.TypeBlockAdd, nil))
	return nil
}

func (h *Hub) handleBlockRemove(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p blockPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	if err := h.backend.RemoveBlock(ctx, env.FromAddress, p.Address); err != nil {
		return internalErr(h, "block remove", err)
	}
	c.Send(successFrame(envelope.TypeBlockRemove, nil))
	return nil
}

func wirePolicy(p *store.PolicyRecord) map[string]any {
	return map[string]any{
		"allow_calls_from":            p.AllowCallsFrom,
		"unknown_caller_behavior":     p.UnknownCallerBehavior,
		"max_rings_per_sender":        p.MaxRingsPerSender,
		"ring_window_minutes":         p.RingWindowMinutes,
		"auto_block_after_rejections": p.AutoBlockAfterRejections,
		"business_hours_enabled":      p.BusinessHoursEnabled,
		"business_hours_start":        p.BusinessHoursStart,
		"business_hours_end":          p.BusinessHoursEnd,
		"voicemail_enabled":           p.VoicemailEnabled,
		"voicemail_text":              p.VoicemailText,
		"require_payment":             p.RequirePayment,
	}
}
