// Package envelope defines the signed wire envelope carried over the
// WebSocket and the verifier that gates every inbound frame.
package envelope

import (
	"encoding/json"
	"fmt"
)

// MaxFrameBytes bounds a single WebSocket text frame. Larger payloads go
// through the upload endpoint and carry a URL instead.
const MaxFrameBytes = 64 * 1024

// Envelope types handled by the signaling router. Unknown types are surfaced
// to the sender as CodeUnknownType, never silently swallowed.
const (
	TypeRegister = "register"

	TypeCallInit      = "call:init"
	TypeCallAccept    = "call:accept"
	TypeCallReject    = "call:reject"
	TypeCallEnd       = "call:end"
	TypeCallHeartbeat = "call:heartbeat"
	TypeCallRelayUsed = "call:relay_used"

	TypeWebRTCOffer  = "webrtc:offer"
	TypeWebRTCAnswer = "webrtc:answer"
	TypeWebRTCICE    = "webrtc:ice"

	TypeMsgSend   = "msg:send"
	TypeMsgRead   = "msg:read"
	TypeMsgTyping = "msg:typing"

	TypeGroupCreate       = "group:create"
	TypeGroupLeave        = "group:leave"
	TypeGroupRemoveMember = "group:remove_member"

	TypeContactAdd    = "contact:add"
	TypeContactRemove = "contact:remove"

	TypePolicyGet = "policy:get"
	TypePolicySet = "policy:set"

	TypePassCreate = "pass:create"
	TypePassRevoke = "pass:revoke"

	TypeBlockAdd    = "block:add"
	TypeBlockRemove = "block:remove"

	TypePing = "ping"
	TypePong = "pong"
)

// Stable wire error codes. Clients branch on these, so the strings are
// frozen.
const (
	CodeBadSignature       = "bad_signature"
	CodeExpired            = "expired"
	CodeReplay             = "replay"
	CodeAddressMismatch    = "address_mismatch"
	CodeNotRegistered      = "not_registered"
	CodeTokenNotFound      = "token_not_found"
	CodeTokenExpired       = "token_expired"
	CodeTokenReplay        = "token_replay"
	CodeRateLimited        = "rate_limited"
	CodeRecipientOffline   = "recipient_offline"
	CodeNotApprovedContact = "not_approved_contact"
	CodePaymentRequired    = "payment_required"
	CodeUnknownType        = "unknown_message_type"
	CodeInternal           = "internal"

	CodeBlocked             = "blocked"
	CodeDND                 = "dnd"
	CodeInviteOnly          = "invite_only"
	CodeLimitDailyCalls     = "limit_daily_calls"
	CodeLimitFailedStarts   = "limit_daily_failed_starts"
	CodeLimitHourlyAttempts = "limit_hourly_attempts"
	CodeLimitMonthlySeconds = "limit_monthly_seconds"
	CodeLimitConcurrent     = "limit_concurrent_calls"
	CodeLimitGroupCalls     = "limit_group_calls"
)

// Envelope is the outer frame every client emits after registering. The
// signature covers the canonical serialization of the whole object minus the
// signature field itself.
//
// FromPubkey and Signature are base64 (standard encoding). Timestamp is unix
// milliseconds as stamped by the client after adjusting for the server clock
// offset returned with its call-session token.
type Envelope struct {
	Type        string          `json:"type"`
	FromPubkey  string          `json:"from_pubkey"`
	FromAddress string          `json:"from_address"`
	Nonce       string          `json:"nonce"`
	Timestamp   int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Signature   string          `json:"signature"`
}

// Parse decodes a raw frame. It only checks JSON shape — signature and
// freshness checks live in the Verifier.
func Parse(raw []byte) (*Envelope, error) {
	if len(raw) > MaxFrameBytes {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameBytes)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// WireError is a routeable failure with a stable code. The router reports it
// to the sender only; blocked callees are never told about the attempt.
type WireError struct {
	Code   string
	Detail string
}

func (e *WireError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// Errf builds a WireError with a formatted detail string.
func Errf(code, format string, args ...any) *WireError {
	return &WireError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
