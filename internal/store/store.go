package store

import (
	"context"
	"time"
)

// Backend is the full server-state surface consumed by the hub, the policy
// assembly, the token issuer and the HTTP edges. Postgres implements it for
// production; Memory implements it for development and tests.
type Backend interface {
	// Identities.
	GetOrCreateUser(ctx context.Context, address string, publicKey []byte) (*User, error)
	GetUser(ctx context.Context, address string) (*User, error)
	UpdateUserPlan(ctx context.Context, address, plan, planStatus string) error
	SetUserSuspended(ctx context.Context, address string, suspended bool) error

	// Contacts.
	AddContact(ctx context.Context, c *Contact) error
	RemoveContact(ctx context.Context, owner, contact string) error
	HasContact(ctx context.Context, owner, contact string) (bool, error)
	ListContacts(ctx context.Context, owner string) ([]*Contact, error)

	// Conversation ledger.
	EnsureDirectConversation(ctx context.Context, a, b string) (*Conversation, error)
	CreateGroupConversation(ctx context.Context, creator string, participants []string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, participant string) ([]*Conversation, error)
	RemoveParticipant(ctx context.Context, convoID, address string) error
	// AppendMessage assigns seq and server_timestamp atomically and returns
	// the stored message. status must be pending or delivered.
	AppendMessage(ctx context.Context, m *Message) (*Message, error)
	PendingMessages(ctx context.Context, toAddress string) ([]*Message, error)
	MarkDelivered(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, convoID, readerAddress string, throughSeq int64) ([]*Message, error)
	MessagesSince(ctx context.Context, convoID string, afterSeq int64, limit int) ([]*Message, error)
	MessageHistory(ctx context.Context, convoID string, before time.Time, limit int) ([]*Message, error)

	// Usage counters. Reads roll the day/month windows lazily.
	GetOrCreateUsage(ctx context.Context, address string) (*Usage, error)
	IncrementCallsStarted(ctx context.Context, address string) error
	IncrementFailedStarts(ctx context.Context, address string) error
	IncrementCallAttempts(ctx context.Context, address string) (int, error)
	AddSecondsUsed(ctx context.Context, address string, seconds int64) error
	RecordRelayCall(ctx context.Context, address string, at time.Time) error
	RelayCallsSince(ctx context.Context, address string, since time.Time) (int, error)
	SetRelayPenalty(ctx context.Context, address string, until time.Time) error

	// Active calls.
	CreateActiveCall(ctx context.Context, call *ActiveCall) error
	GetActiveCall(ctx context.Context, sessionID string) (*ActiveCall, error)
	ActiveCallsFor(ctx context.Context, address string) ([]*ActiveCall, error)
	HeartbeatActiveCall(ctx context.Context, sessionID, address string, at time.Time) error
	SetRelayUsed(ctx context.Context, sessionID string) error
	DeleteActiveCall(ctx context.Context, sessionID string) error
	ListActiveCalls(ctx context.Context) ([]*ActiveCall, error)

	// Call-session tokens.
	InsertCallToken(ctx context.Context, t *CallToken) error
	GetCallToken(ctx context.Context, token string) (*CallToken, error)
	// MarkTokenUsed flips used_at exactly once. Returns ErrTokenNotFound,
	// ErrTokenExpired or ErrTokenReplay on failure.
	MarkTokenUsed(ctx context.Context, token, ip string, now time.Time) (*CallToken, error)
	DeleteExpiredTokens(ctx context.Context, expiredBefore time.Time) (int64, error)
	RecordTokenEvent(ctx context.Context, ev *TokenEvent) error

	// Policy.
	GetPolicy(ctx context.Context, address string) (*PolicyRecord, error)
	UpsertPolicy(ctx context.Context, p *PolicyRecord) error
	GetContactOverride(ctx context.Context, owner, caller string) (*ContactOverride, error)
	UpsertContactOverride(ctx context.Context, o *ContactOverride) error
	ConsumeContactOverride(ctx context.Context, owner, caller string) error
	IsBlocked(ctx context.Context, owner, caller string, now time.Time) (bool, error)
	AddBlock(ctx context.Context, b *BlockEntry) error
	RemoveBlock(ctx context.Context, owner, blocked string) error
	IncrementRejections(ctx context.Context, callee, caller string) (int, error)
	Rejections(ctx context.Context, callee, caller string) (int, error)

	// Invite passes.
	CreatePass(ctx context.Context, p *Pass) error
	GetPass(ctx context.Context, id string) (*Pass, error)
	// ConsumePass decrements a limited pass or consumes a one-time pass
	// atomically. Unlimited passes are untouched.
	ConsumePass(ctx context.Context, id string, now time.Time) (*Pass, error)
	RevokePass(ctx context.Context, id string) error

	// Call history.
	RecordCall(ctx context.Context, r *CallRecord) error
	CallHistory(ctx context.Context, address string, limit int) ([]*CallRecord, error)

	Close() error
}
