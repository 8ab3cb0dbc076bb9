package hub

import (
	"context"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

// handleMsgSend persists through the ledger first, then fans out. Payloads
// are opaque bytes to the hub; it never inspects content.
func (h *Hub) handleMsgSend(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p msgSendPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	if len(p.Content) == 0 {
		return envelope.Errf(envelope.CodeBadSignature, "empty content")
	}

	var convo *store.Conversation
	var err error
	switch {
	case p.ConvoID != "":
		convo, err = h.backend.GetConversation(ctx, p.ConvoID)
		if err != nil {
			return envelope.Errf(envelope.CodeRecipientOffline, "no such conversation")
		}
		if !participant(convo, env.FromAddress) {
			return envelope.Errf(envelope.CodeNotRegistered, "not a participant")
		}
	case p.To != "":
		convo, err = h.backend.EnsureDirectConversation(ctx, env.FromAddress, p.To)
		if err != nil {
			return internalErr(h, "msg send: conversation", err)
		}
	default:
		return envelope.Errf(envelope.CodeBadSignature, "missing convo_id or to")
	}

	// One stored message per recipient keeps per-recipient delivery status
	// independent; groups fan out the same content N-1 times.
	var stored []*store.Message
	for _, addr := range convo.Participants {
		if addr == env.FromAddress {
			continue
		}
		status := store.StatusPending
		if h.online(addr) {
			status = store.StatusDelivered
		}
		m, err := h.backend.AppendMessage(ctx, &store.Message{
			ConvoID:     convo.ID,
			FromAddress: env.FromAddress,
			ToAddress:   addr,
			Content:     []byte(p.Content),
			MediaType:   p.MediaType,
			Status:      status,
		})
		if err != nil {
			return internalErr(h, "msg send: append", err)
		}
		h.metrics.MessagesPersisted.Inc()
		stored = append(stored, m)
	}

	for _, m := range stored {
		if m.Status == store.StatusDelivered {
			if h.deliver(m.ToAddress, frame("msg:incoming", wireMessage(m))) {
				h.metrics.MessagesFannedOut.Inc()
				c.Send(frame("msg:delivered", map[string]any{
					"message_id": m.ID, "convo_id": m.ConvoID, "seq": m.Seq, "to": m.ToAddress,
				}))
			}
		}
	}
	if len(stored) > 0 {
		c.Send(successFrame(envelope.TypeMsgSend, map[string]any{
			"convo_id": convo.ID, "seq": stored[0].Seq,
		}))
	}
	return nil
}

// handleMsgRead flips read status through a seq and fans receipts to the
// original senders.
func (h *Hub) handleMsgRead(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p msgReadPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	changed, err := h.backend.MarkRead(ctx, p.ConvoID, env.FromAddress, p.ThroughSeq)
	if err != nil {
		return internalErr(h, "msg read", err)
	}
	for _, m := range changed {
		h.deliver(m.FromAddress, frame("msg:read", map[string]any{
			"message_id": m.ID, "convo_id": m.ConvoID, "seq": m.Seq, "by": env.FromAddress,
		}))
	}
	return nil
}

func (h *Hub) handleGroupCreate(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p groupCreatePayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	if len(p.Participants) == 0 {
		return envelope.Errf(envelope.CodeBadSignature, "empty participant list")
	}
	convo, err := h.backend.CreateGroupConversation(ctx, env.FromAddress, p.Participants)
	if err != nil {
		return internalErr(h, "group create", err)
	}
	announce := frame("group:created", wireConversation(convo))
	for _, addr := range convo.Participants {
		if addr == env.FromAddress {
			continue
		}
		h.deliver(addr, announce)
	}
	c.Send(successFrame(envelope.TypeGroupCreate, wireConversation(convo)))
	return nil
}

func (h *Hub) handleGroupLeave(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p groupRefPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	convo, err := h.backend.GetConversation(ctx, p.ConvoID)
	if err != nil {
		return envelope.Errf(envelope.CodeRecipientOffline, "no such conversation")
	}
	if !participant(convo, env.FromAddress) {
		return envelope.Errf(envelope.CodeNotRegistered, "not a participant")
	}
	if err := h.backend.RemoveParticipant(ctx, p.ConvoID, env.FromAddress); err != nil {
		return internalErr(h, "group leave", err)
	}
	h.notifyGroup(convo, env.FromAddress, frame("group:member_left", map[string]string{
		"convo_id": p.ConvoID, "member": env.FromAddress,
	}))
	return nil
}

// handleGroupRemoveMember lets the group creator remove someone.
func (h *Hub) handleGroupRemoveMember(ctx context.Context, c *conn, env *envelope.Envelope) *envelope.WireError {
	var p groupRefPayload
	if we := decodePayload(env, &p); we != nil {
		return we
	}
	if p.Member == "" {
		return envelope.Errf(envelope.CodeBadSignature, "missing member")
	}
	convo, err := h.backend.GetConversation(ctx, p.ConvoID)
	if err != nil {
		return envelope.Errf(envelope.CodeRecipientOffline, "no such conversation")
	}
	if convo.Type != store.ConvoGroup || convo.Creator != env.FromAddress {
		return envelope.Errf(envelope.CodeNotRegistered, "only the group creator can remove members")
	}
	if err := h.backend.RemoveParticipant(ctx, p.ConvoID, p.Member); err != nil {
		return internalErr(h, "group remove member", err)
	}
	h.notifyGroup(convo, "", frame("group:member_left", map[string]string{
		"convo_id": p.ConvoID, "member": p.Member, "removed_by": env.FromAddress,
	}))
	return nil
}

func (h *Hub) notifyGroup(convo *store.Conversation, skip string, f []byte) {
	for _, addr := range convo.Participants {
		if addr == skip {
			continue
		}
		h.deliver(addr, f)
	}
}

func participant(c *store.Conversation, address string) bool {
	for _, p := range c.Participants {
		if p == address {
			return true
		}
	}
	return false
}
