package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/identity"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

// handleCallSessionToken mints a single-use call-session token. The response
// includes server_time so clients can align their envelope timestamps.
func (s *Server) handleCallSessionToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address       string `json:"address"`
		TargetAddress string `json:"target_address,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if !identity.ValidAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if !s.limiter.Allow(req.Address + ":token") {
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	pub, _ := identity.ParseAddress(req.Address)
	user, err := s.backend.GetOrCreateUser(r.Context(), req.Address, pub)
	if err != nil {
		s.log.Error("token mint: user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	if user.Suspended {
		writeError(w, http.StatusForbidden, "suspended")
		return
	}

	issued, err := s.tokens.Issue(r.Context(), user, req.TargetAddress)
	if err != nil {
		s.log.Error("token mint", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":           issued.Token,
		"nonce":           issued.Nonce,
		"issued_at":       issued.IssuedAt.UnixMilli(),
		"expires_at":      issued.ExpiresAt.UnixMilli(),
		"server_time":     issued.ServerTime.UnixMilli(),
		"plan":            issued.Plan,
		"allow_turn":      issued.AllowTurn,
		"allow_video":     issued.AllowVideo,
		"turn_configured": s.cfg.ICE.TurnConfigured(),
		"ice_servers":     s.ice.Servers(issued.AllowTurn),
	})
}

// handleICE returns the ICE config without tier entitlements (STUN only);
// the full list ships with the call-session token.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":       s.ice.Mode(),
		"iceServers": s.ice.Servers(false),
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !identity.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if !s.limiter.Allow(address + ":conversations") {
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}
	convos, err := s.backend.ListConversations(r.Context(), address)
	if err != nil {
		s.log.Error("list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	out := make([]map[string]any, 0, len(convos))
	for _, c := range convos {
		out = append(out, map[string]any{
			"id":               c.ID,
			"type":             c.Type,
			"participants":     c.Participants,
			"created_at":       c.CreatedAt.UnixMilli(),
			"last_message_seq": c.LastMessageSeq,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// handleMessages serves paginated history. ?since_seq=N returns everything
// after that seq oldest-first (the catch-up read); otherwise ?limit=N and
// ?before=unix-ms page backwards through history.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	convoID := mux.Vars(r)["convo_id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var msgs []*store.Message
	var err error
	if sinceSeq, perr := strconv.ParseInt(r.URL.Query().Get("since_seq"), 10, 64); perr == nil && sinceSeq >= 0 {
		msgs, err = s.backend.MessagesSince(r.Context(), convoID, sinceSeq, limit)
	} else {
		before := time.Now()
		if ms, perr := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64); perr == nil && ms > 0 {
			before = time.UnixMilli(ms)
		}
		msgs, err = s.backend.MessageHistory(r.Context(), convoID, before, limit)
	}
	if err != nil {
		s.log.Error("message history", "convo", convoID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":               m.ID,
			"convo_id":         m.ConvoID,
			"from":             m.FromAddress,
			"to":               m.ToAddress,
			"content":          json.RawMessage(m.Content),
			"media_type":       m.MediaType,
			"seq":              m.Seq,
			"server_timestamp": m.ServerTimestamp.UnixMilli(),
			"status":           m.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !identity.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.backend.CallHistory(r.Context(), address, limit)
	if err != nil {
		s.log.Error("call history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"session_id":   rec.SessionID,
			"caller":       rec.CallerAddress,
			"callee":       rec.CalleeAddress,
			"started_at":   rec.StartedAt.UnixMilli(),
			"duration_sec": rec.DurationSec,
			"outcome":      rec.Outcome,
			"relay_used":   rec.RelayUsed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UnixMilli(),
	})
}
