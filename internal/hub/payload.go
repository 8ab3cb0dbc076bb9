package hub

import (
	"encoding/json"
	"time"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

// Client payload shapes. Every envelope's Payload decodes into one of these.

type callInitPayload struct {
	To             string `json:"to"`
	Token          string `json:"token"`
	SessionID      string `json:"session_id"`
	IsGroup        bool   `json:"is_group,omitempty"`
	IsExternalLink bool   `json:"is_external_link,omitempty"`
	PaidCall       bool   `json:"paid_call,omitempty"`
	PassID         string `json:"pass_id,omitempty"`
	Video          bool   `json:"video,omitempty"`
}

type callRefPayload struct {
	To        string `json:"to"`
	SessionID string `json:"session_id"`
}

type targetPayload struct {
	To string `json:"to"`
}

type msgSendPayload struct {
	To        string          `json:"to"`
	ConvoID   string          `json:"convo_id,omitempty"`
	Content   json.RawMessage `json:"content"`
	MediaType string          `json:"media_type,omitempty"`
}

type msgReadPayload struct {
	ConvoID    string `json:"convo_id"`
	ThroughSeq int64  `json:"through_seq"`
}

type groupCreatePayload struct {
	Participants []string `json:"participants"`
	Name         string   `json:"name,omitempty"`
}

type groupRefPayload struct {
	ConvoID string `json:"convo_id"`
	Member  string `json:"member,omitempty"`
}

type contactPayload struct {
	Address       string `json:"address"`
	Name          string `json:"name,omitempty"`
	AlwaysAllowed bool   `json:"always_allowed,omitempty"`
}

type policySetPayload struct {
	AllowCallsFrom           string `json:"allow_calls_from,omitempty"`
	UnknownCallerBehavior    string `json:"unknown_caller_behavior,omitempty"`
	MaxRingsPerSender        int    `json:"max_rings_per_sender,omitempty"`
	RingWindowMinutes        int    `json:"ring_window_minutes,omitempty"`
	AutoBlockAfterRejections int    `json:"auto_block_after_rejections,omitempty"`
	BusinessHoursEnabled     *bool  `json:"business_hours_enabled,omitempty"`
	BusinessHoursStart       int    `json:"business_hours_start,omitempty"`
	BusinessHoursEnd         int    `json:"business_hours_end,omitempty"`
	VoicemailEnabled         *bool  `json:"voicemail_enabled,omitempty"`
	VoicemailText            string `json:"voicemail_text,omitempty"`
	RequirePayment           *bool  `json:"require_payment,omitempty"`
}

type passCreatePayload struct {
	Kind     string `json:"kind"`
	Uses     int    `json:"uses,omitempty"`
	TTLHours int    `json:"ttl_hours,omitempty"`
}

type passRefPayload struct {
	PassID string `json:"pass_id"`
}

type blockPayload struct {
	Address  string `json:"address"`
	Reason   string `json:"reason,omitempty"`
	ForHours int    `json:"for_hours,omitempty"`
}

func decodePayload(env *envelope.Envelope, into any) *envelope.WireError {
	if len(env.Payload) == 0 {
		return envelope.Errf(envelope.CodeBadSignature, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, into); err != nil {
		return envelope.Errf(envelope.CodeBadSignature, "malformed payload")
	}
	return nil
}

// payloadTarget pulls the "to" address out of a relay-type payload.
func payloadTarget(env *envelope.Envelope) (string, *envelope.WireError) {
	var p targetPayload
	if we := decodePayload(env, &p); we != nil {
		return "", we
	}
	if p.To == "" {
		return "", envelope.Errf(envelope.CodeBadSignature, "missing target address")
	}
	return p.To, nil
}

// wireMessage is the client-facing message shape.
func wireMessage(m *store.Message) map[string]any {
	return map[string]any{
		"id":               m.ID,
		"convo_id":         m.ConvoID,
		"from":             m.FromAddress,
		"to":               m.ToAddress,
		"content":          json.RawMessage(m.Content),
		"media_type":       m.MediaType,
		"seq":              m.Seq,
		"server_timestamp": m.ServerTimestamp.UnixMilli(),
		"status":           m.Status,
	}
}

func wireConversation(c *store.Conversation) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"type":             c.Type,
		"participants":     c.Participants,
		"created_at":       c.CreatedAt.UnixMilli(),
		"last_message_seq": c.LastMessageSeq,
	}
}

func wireCallRecord(r *store.CallRecord) map[string]any {
	return map[string]any{
		"session_id":   r.SessionID,
		"caller":       r.CallerAddress,
		"callee":       r.CalleeAddress,
		"started_at":   r.StartedAt.UnixMilli(),
		"duration_sec": r.DurationSec,
		"outcome":      r.Outcome,
		"relay_used":   r.RelayUsed,
	}
}

func hoursFromNow(h int) *time.Time {
	if h <= 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(h) * time.Hour)
	return &t
}
