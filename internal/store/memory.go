package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the development/test backend. It holds everything under one
// mutex, which keeps the seq and token invariants trivially correct for a
// single process.
type Memory struct {
	mu sync.Mutex

	users     map[string]*User
	contacts  map[string]map[string]*Contact // owner -> contact -> entry
	convos    map[string]*Conversation
	messages  map[string][]*Message // convo id -> ordered by seq
	usage     map[string]*Usage
	relayEvts map[string][]time.Time
	calls     map[string]*ActiveCall
	tokens    map[string]*CallToken
	tokenEvts []*TokenEvent
	policies  map[string]*PolicyRecord
	overrides map[string]map[string]*ContactOverride
	blocks    map[string]map[string]*BlockEntry
	rejects   map[string]int // callee|caller -> count
	passes    map[string]*Pass
	history   map[string]*CallRecord // session id -> record
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*User),
		contacts:  make(map[string]map[string]*Contact),
		convos:    make(map[string]*Conversation),
		messages:  make(map[string][]*Message),
		usage:     make(map[string]*Usage),
		relayEvts: make(map[string][]time.Time),
		calls:     make(map[string]*ActiveCall),
		tokens:    make(map[string]*CallToken),
		policies:  make(map[string]*PolicyRecord),
		overrides: make(map[string]map[string]*ContactOverride),
		blocks:    make(map[string]map[string]*BlockEntry),
		rejects:   make(map[string]int),
		passes:    make(map[string]*Pass),
		history:   make(map[string]*CallRecord),
	}
}

var _ Backend = (*Memory)(nil)

func (m *Memory) Close() error { return nil }

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

func (m *Memory) GetOrCreateUser(_ context.Context, address string, publicKey []byte) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[address]; ok {
		cp := *u
		return &cp, nil
	}
	u := &User{
		Address:    address,
		PublicKey:  append([]byte(nil), publicKey...),
		Plan:       PlanFree,
		PlanStatus: "active",
		Role:       RoleUser,
		CreatedAt:  time.Now(),
	}
	m.users[address] = u
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUser(_ context.Context, address string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UpdateUserPlan(_ context.Context, address, plan, planStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[address]
	if !ok {
		return ErrNotFound
	}
	u.Plan, u.PlanStatus = plan, planStatus
	return nil
}

func (m *Memory) SetUserSuspended(_ context.Context, address string, suspended bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[address]
	if !ok {
		return ErrNotFound
	}
	u.Suspended = suspended
	return nil
}

// ---------------------------------------------------------------------------
// Contacts
// ---------------------------------------------------------------------------

func (m *Memory) AddContact(_ context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.contacts[c.OwnerAddress]
	if !ok {
		book = make(map[string]*Contact)
		m.contacts[c.OwnerAddress] = book
	}
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	book[c.ContactAddress] = &cp
	return nil
}

func (m *Memory) RemoveContact(_ context.Context, owner, contact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contacts[owner], contact)
	return nil
}

func (m *Memory) HasContact(_ context.Context, owner, contact string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contacts[owner][contact]
	return ok, nil
}

func (m *Memory) ListContacts(_ context.Context, owner string) ([]*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Contact, 0, len(m.contacts[owner]))
	for _, c := range m.contacts[owner] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactAddress < out[j].ContactAddress })
	return out, nil
}

// ---------------------------------------------------------------------------
// Conversation ledger
// ---------------------------------------------------------------------------

func (m *Memory) EnsureDirectConversation(_ context.Context, a, b string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := DirectConvoID(a, b)
	if c, ok := m.convos[id]; ok {
		return copyConvo(c), nil
	}
	parts := []string{a, b}
	sort.Strings(parts)
	c := &Conversation{ID: id, Type: ConvoDirect, Participants: parts, CreatedAt: time.Now()}
	m.convos[id] = c
	return copyConvo(c), nil
}

func (m *Memory) CreateGroupConversation(_ context.Context, creator string, participants []string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "grp:" + uuid.NewString()
	seen := map[string]bool{creator: true}
	members := []string{creator}
	for _, p := range participants {
		if !seen[p] {
			seen[p] = true
			members = append(members, p)
		}
	}
	sort.Strings(members)
	c := &Conversation{ID: id, Type: ConvoGroup, Creator: creator, Participants: members, CreatedAt: time.Now()}
	m.convos[id] = c
	return copyConvo(c), nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConvo(c), nil
}

func (m *Memory) ListConversations(_ context.Context, participant string) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conversation
	for _, c := range m.convos {
		for _, p := range c.Participants {
			if p == participant {
				out = append(out, copyConvo(c))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageSeq != out[j].LastMessageSeq {
			return out[i].LastMessageSeq > out[j].LastMessageSeq
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) RemoveParticipant(_ context.Context, convoID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convos[convoID]
	if !ok {
		return ErrNotFound
	}
	kept := c.Participants[:0]
	for _, p := range c.Participants {
		if p != address {
			kept = append(kept, p)
		}
	}
	c.Participants = kept
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convos[msg.ConvoID]
	if !ok {
		return nil, ErrNotFound
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Seq = c.LastMessageSeq + 1
	stored.ServerTimestamp = time.Now()
	c.LastMessageSeq = stored.Seq
	m.messages[msg.ConvoID] = append(m.messages[msg.ConvoID], &stored)
	cp := stored
	return &cp, nil
}

func (m *Memory) PendingMessages(_ context.Context, toAddress string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	var convoIDs []string
	for id := range m.messages {
		convoIDs = append(convoIDs, id)
	}
	sort.Strings(convoIDs)
	for _, id := range convoIDs {
		for _, msg := range m.messages[id] {
			if msg.ToAddress == toAddress && msg.Status == StatusPending {
				cp := *msg
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivered(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == messageID && msg.Status == StatusPending {
				msg.Status = StatusDelivered
				return nil
			}
		}
	}
	return nil
}

func (m *Memory) MarkRead(_ context.Context, convoID, readerAddress string, throughSeq int64) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []*Message
	for _, msg := range m.messages[convoID] {
		if msg.ToAddress == readerAddress && msg.Seq <= throughSeq && msg.Status != StatusRead {
			msg.Status = StatusRead
			cp := *msg
			changed = append(changed, &cp)
		}
	}
	return changed, nil
}

func (m *Memory) MessagesSince(_ context.Context, convoID string, afterSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, msg := range m.messages[convoID] {
		if msg.Seq > afterSeq {
			cp := *msg
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MessageHistory(_ context.Context, convoID string, before time.Time, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[convoID]
	var out []*Message
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if msgs[i].ServerTimestamp.Before(before) {
			cp := *msgs[i]
			out = append(out, &cp)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Usage counters
// ---------------------------------------------------------------------------

func (m *Memory) usageLocked(address string, now time.Time) *Usage {
	u, ok := m.usage[address]
	if !ok {
		u = &Usage{Address: address, DayKey: dayKey(now), MonthKey: monthKey(now), LastAttemptHour: now.UTC().Hour()}
		m.usage[address] = u
	}
	if u.DayKey != dayKey(now) {
		u.DayKey = dayKey(now)
		u.CallsStartedToday = 0
		u.FailedStartsToday = 0
	}
	if u.MonthKey != monthKey(now) {
		u.MonthKey = monthKey(now)
		u.SecondsUsedMonth = 0
	}
	if u.LastAttemptHour != now.UTC().Hour() {
		u.LastAttemptHour = now.UTC().Hour()
		u.CallAttemptsHour = 0
	}
	return u
}

func (m *Memory) GetOrCreateUsage(_ context.Context, address string) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageLocked(address, time.Now())
	cp := *u
	return &cp, nil
}

func (m *Memory) IncrementCallsStarted(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageLocked(address, time.Now()).CallsStartedToday++
	return nil
}

func (m *Memory) IncrementFailedStarts(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageLocked(address, time.Now()).FailedStartsToday++
	return nil
}

func (m *Memory) IncrementCallAttempts(_ context.Context, address string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageLocked(address, time.Now())
	u.CallAttemptsHour++
	return u.CallAttemptsHour, nil
}

func (m *Memory) AddSecondsUsed(_ context.Context, address string, seconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageLocked(address, time.Now()).SecondsUsedMonth += seconds
	return nil
}

func (m *Memory) RecordRelayCall(_ context.Context, address string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayEvts[address] = append(m.relayEvts[address], at)
	return nil
}

func (m *Memory) RelayCallsSince(_ context.Context, address string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.relayEvts[address] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetRelayPenalty(_ context.Context, address string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageLocked(address, time.Now())
	t := until
	u.RelayPenaltyUntil = &t
	return nil
}

// ---------------------------------------------------------------------------
// Active calls
// ---------------------------------------------------------------------------

func (m *Memory) CreateActiveCall(_ context.Context, call *ActiveCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[call.SessionID]; ok {
		return ErrDuplicate
	}
	cp := *call
	cp.LastHeartbeatCaller = cp.StartedAt
	cp.LastHeartbeatCallee = cp.StartedAt
	m.calls[call.SessionID] = &cp
	return nil
}

func (m *Memory) GetActiveCall(_ context.Context, sessionID string) (*ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ActiveCallsFor(_ context.Context, address string) ([]*ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ActiveCall
	for _, c := range m.calls {
		if c.CallerAddress == address || c.CalleeAddress == address {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) HeartbeatActiveCall(_ context.Context, sessionID, address string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return ErrNotFound
	}
	switch address {
	case c.CallerAddress:
		c.LastHeartbeatCaller = at
	case c.CalleeAddress:
		c.LastHeartbeatCallee = at
	default:
		return ErrNotFound
	}
	return nil
}

func (m *Memory) SetRelayUsed(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[sessionID]; ok {
		c.RelayUsed = true
	}
	return nil
}

func (m *Memory) DeleteActiveCall(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, sessionID)
	return nil
}

func (m *Memory) ListActiveCalls(_ context.Context) ([]*ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ActiveCall, 0, len(m.calls))
	for _, c := range m.calls {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Call-session tokens
// ---------------------------------------------------------------------------

func (m *Memory) InsertCallToken(_ context.Context, t *CallToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.Token] = &cp
	return nil
}

func (m *Memory) GetCallToken(_ context.Context, token string) (*CallToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) MarkTokenUsed(_ context.Context, token, ip string, now time.Time) (*CallToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if t.UsedAt != nil {
		return nil, ErrTokenReplay
	}
	if now.After(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	used := now
	t.UsedAt = &used
	t.UsedByIP = ip
	cp := *t
	return &cp, nil
}

func (m *Memory) DeleteExpiredTokens(_ context.Context, expiredBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.tokens {
		if t.ExpiresAt.Before(expiredBefore) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecordTokenEvent(_ context.Context, ev *TokenEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.tokenEvts = append(m.tokenEvts, &cp)
	return nil
}

// ---------------------------------------------------------------------------
// Policy, overrides, blocklist, passes
// ---------------------------------------------------------------------------

func (m *Memory) GetPolicy(_ context.Context, address string) (*PolicyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.policies[address]; ok {
		cp := *r
		return &cp, nil
	}
	return defaultPolicy(address), nil
}

func (m *Memory) UpsertPolicy(_ context.Context, r *PolicyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.policies[r.Address] = &cp
	return nil
}

func (m *Memory) GetContactOverride(_ context.Context, owner, caller string) (*ContactOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[owner][caller]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) UpsertContactOverride(_ context.Context, o *ContactOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCaller, ok := m.overrides[o.OwnerAddress]
	if !ok {
		byCaller = make(map[string]*ContactOverride)
		m.overrides[o.OwnerAddress] = byCaller
	}
	cp := *o
	byCaller[o.CallerAddress] = &cp
	return nil
}

func (m *Memory) ConsumeContactOverride(_ context.Context, owner, caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.overrides[owner][caller]; ok && o.Mode == OverrideOneTime {
		o.Consumed = true
	}
	return nil
}

func (m *Memory) IsBlocked(_ context.Context, owner, caller string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[owner][caller]
	if !ok {
		return false, nil
	}
	if b.Until != nil && !b.Until.After(now) {
		return false, nil
	}
	return true, nil
}

func (m *Memory) AddBlock(_ context.Context, b *BlockEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAddr, ok := m.blocks[b.OwnerAddress]
	if !ok {
		byAddr = make(map[string]*BlockEntry)
		m.blocks[b.OwnerAddress] = byAddr
	}
	cp := *b
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	byAddr[b.BlockedAddress] = &cp
	return nil
}

func (m *Memory) RemoveBlock(_ context.Context, owner, blocked string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks[owner], blocked)
	return nil
}

func (m *Memory) IncrementRejections(_ context.Context, callee, caller string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := callee + "|" + caller
	m.rejects[key]++
	return m.rejects[key], nil
}

func (m *Memory) Rejections(_ context.Context, callee, caller string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejects[callee+"|"+caller], nil
}

func (m *Memory) CreatePass(_ context.Context, p *Pass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.passes[p.ID] = &cp
	return nil
}

func (m *Memory) GetPass(_ context.Context, id string) (*Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ConsumePass(_ context.Context, id string, now time.Time) (*Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passes[id]
	if !ok || p.Revoked {
		return nil, ErrNotFound
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	if p.Kind != PassUnlimited {
		if p.UsesLeft <= 0 {
			return nil, ErrNotFound
		}
		p.UsesLeft--
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) RevokePass(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.passes[id]; ok {
		p.Revoked = true
	}
	return nil
}

// ---------------------------------------------------------------------------
// Call history
// ---------------------------------------------------------------------------

func (m *Memory) RecordCall(_ context.Context, r *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.history[r.SessionID]; ok {
		return nil
	}
	cp := *r
	m.history[r.SessionID] = &cp
	return nil
}

func (m *Memory) CallHistory(_ context.Context, address string, limit int) ([]*CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CallRecord
	for _, r := range m.history {
		if r.CallerAddress == address || r.CalleeAddress == address {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyConvo(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp
}
