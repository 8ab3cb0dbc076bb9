// Package store owns all mutable server state: identities, contacts, the
// conversation ledger, usage counters, active calls, call-session tokens,
// policy records and call history.
//
// Postgres is the canonical backing store; the in-memory implementation
// exists for development mode and tests. Cross-process deployments require
// Postgres.
package store

import (
	"errors"
	"time"
)

// Plans and roles.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanBusiness   = "business"
	PlanEnterprise = "enterprise"

	RoleUser          = "user"
	RoleSupport       = "support"
	RoleAdmin         = "admin"
	RoleSuperAdmin    = "super_admin"
	RoleUltraGodAdmin = "ultra_god_admin"
	RoleFounder       = "founder"
)

// PaidPlan reports whether plan carries paid-tier entitlements.
func PaidPlan(plan string) bool {
	return plan == PlanPro || plan == PlanBusiness || plan == PlanEnterprise
}

// Message status values.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Conversation types.
const (
	ConvoDirect = "direct"
	ConvoGroup  = "group"
)

// Sentinel errors shared by both backends.
var (
	ErrNotFound      = errors.New("not found")
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenReplay   = errors.New("token already used")
	ErrDuplicate     = errors.New("duplicate row")
)

// User is a registered identity. Users are created on first registration and
// never destroyed — bans are soft (Suspended).
type User struct {
	Address    string
	PublicKey  []byte
	Plan       string
	PlanStatus string
	Role       string
	Trial      bool
	Suspended  bool
	CreatedAt  time.Time
}

// Contact is a directional contact-book entry.
type Contact struct {
	OwnerAddress   string
	ContactAddress string
	Name           string
	AlwaysAllowed  bool
	CreatedAt      time.Time
}

// Conversation groups messages. Direct conversations have a deterministic id
// derived from the sorted participant pair (see DirectConvoID).
type Conversation struct {
	ID   string
	Type string
	// Creator is set for group conversations; it gates member removal.
	Creator        string
	Participants   []string
	CreatedAt      time.Time
	LastMessageSeq int64
}

// Message is one ledger entry. Within a conversation, Seq is strictly
// increasing and dense, and ServerTimestamp is monotone with Seq.
type Message struct {
	ID              string
	ConvoID         string
	FromAddress     string
	ToAddress       string
	Content         []byte
	MediaType       string
	Seq             int64
	ServerTimestamp time.Time
	Status          string
}

// Usage is the per-user rolling counter row. Day and month fields reset
// lazily when the stored key no longer matches the current window.
type Usage struct {
	Address           string
	DayKey            string
	MonthKey          string
	CallsStartedToday int
	FailedStartsToday int
	CallAttemptsHour  int
	LastAttemptHour   int
	SecondsUsedMonth  int64
	RelayPenaltyUntil *time.Time
}

// ActiveCall tracks one in-flight call with dual heartbeats.
type ActiveCall struct {
	SessionID           string
	CallerAddress       string
	CalleeAddress       string
	CallerTier          string
	CalleeTier          string
	StartedAt           time.Time
	LastHeartbeatCaller time.Time
	LastHeartbeatCallee time.Time
	MaxDurationSeconds  int
	RelayUsed           bool
}

// CallToken is a single-use call-session token row. UsedAt transitions
// nil → non-nil exactly once, enforced by a single-statement update.
type CallToken struct {
	Token         string
	NonceHash     string
	UserAddress   string
	TargetAddress string
	Plan          string
	AllowTurn     bool
	AllowVideo    bool
	IssuedAt      time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
	UsedByIP      string
}

// Policy enumerations.
const (
	AllowAnyone     = "anyone"
	AllowContacts   = "contacts"
	AllowInviteOnly = "invite_only"

	UnknownBlock   = "block"
	UnknownRing    = "ring_unknown"
	UnknownRequest = "request"
)

// PolicyRecord is the per-user call policy.
type PolicyRecord struct {
	Address                 string
	AllowCallsFrom          string
	UnknownCallerBehavior   string
	MaxRingsPerSender       int
	RingWindowMinutes       int
	AutoBlockAfterRejections int
	BusinessHoursEnabled    bool
	BusinessHoursStart      int // hour of day, callee-local
	BusinessHoursEnd        int
	VoicemailEnabled        bool
	VoicemailText           string
	RequirePayment          bool
}

// Per-contact override modes.
const (
	OverrideBlocked   = "blocked"
	OverrideAlways    = "always"
	OverrideOneTime   = "one_time"
	OverrideScheduled = "scheduled"
)

// ContactOverride resolves a specific caller ahead of the general policy.
type ContactOverride struct {
	OwnerAddress  string
	CallerAddress string
	Mode          string
	WindowStart   int // hour of day, for scheduled mode
	WindowEnd     int
	Consumed      bool
}

// BlockEntry is a time-bounded blocklist row. A nil Until blocks forever.
type BlockEntry struct {
	OwnerAddress   string
	BlockedAddress string
	Reason         string
	CreatedAt      time.Time
	Until          *time.Time
}

// Pass kinds.
const (
	PassOneTime   = "one_time"
	PassLimited   = "limited"
	PassUnlimited = "unlimited"
)

// Pass lets a non-contact bypass the contact gate.
type Pass struct {
	ID           string
	OwnerAddress string
	Kind         string
	UsesLeft     int
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	Revoked      bool
}

// CallRecord is one call-history row, written when a call ends.
type CallRecord struct {
	SessionID     string
	CallerAddress string
	CalleeAddress string
	StartedAt     time.Time
	DurationSec   int
	Outcome       string // completed | rejected | missed | swept
	RelayUsed     bool
}

// TokenEvent records token lifecycle for observability.
type TokenEvent struct {
	Token     string
	Event     string // issued | used | rejected
	Detail    string
	At        time.Time
}
