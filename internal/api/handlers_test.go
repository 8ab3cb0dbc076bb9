package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/calltoken"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/ice"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/identity"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/ratelimit"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

// testServer wires a Server over the in-memory backend. The hub is left out:
// these tests exercise the plain HTTP handlers, not /ws.
func testServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	backend := store.NewMemory()
	cfg := &config.Config{
		Env:    "development",
		Port:   "0",
		ICE:    config.ICEConfig{Mode: "public"},
		Limits: config.LimitsConfig{TokenTTLMinutes: 10},
	}
	dir := t.TempDir()
	uploads, err := NewUploadStore(dir, "http://localhost")
	require.NoError(t, err)

	return &Server{
		cfg:     cfg,
		backend: backend,
		tokens:  calltoken.NewIssuer(backend, cfg.ICE, cfg.Limits),
		ice:     ice.NewBuilder(cfg.ICE),
		limiter: ratelimit.New(60),
		uploads: uploads,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, backend
}

func muxSetVars(r *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(r, vars)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ============================================================================
// CALL-SESSION TOKEN
// ============================================================================

func TestCallSessionTokenMint(t *testing.T) {
	s, _ := testServer(t)
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"address": kp.Address})
	req := httptest.NewRequest(http.MethodPost, "/api/call-session-token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCallSessionToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.NotEmpty(t, resp["token"])
	assert.NotEmpty(t, resp["nonce"])
	assert.Equal(t, store.PlanFree, resp["plan"])
	assert.Equal(t, false, resp["allow_turn"])
	assert.NotNil(t, resp["ice_servers"])
	assert.InDelta(t, float64(time.Now().UnixMilli()), resp["server_time"].(float64), 5000)
}

func TestCallSessionTokenRejectsBadAddress(t *testing.T) {
	s, _ := testServer(t)

	for _, body := range []string{
		`{"address":"not-an-address"}`,
		`{"address":""}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/call-session-token", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		s.handleCallSessionToken(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestCallSessionTokenRefusesSuspendedUser(t *testing.T) {
	s, backend := testServer(t)
	ctx := context.Background()

	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	_, err = backend.GetOrCreateUser(ctx, kp.Address, kp.Public)
	require.NoError(t, err)
	require.NoError(t, backend.SetUserSuspended(ctx, kp.Address, true))

	body, _ := json.Marshal(map[string]string{"address": kp.Address})
	req := httptest.NewRequest(http.MethodPost, "/api/call-session-token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCallSessionToken(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCallSessionTokenRateLimited(t *testing.T) {
	s, _ := testServer(t)
	s.limiter = ratelimit.New(2)

	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]string{"address": kp.Address})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/call-session-token", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.handleCallSessionToken(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

// ============================================================================
// ICE AND HEALTH
// ============================================================================

func TestICEEndpointIsStunOnly(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/ice", nil)
	rec := httptest.NewRecorder()
	s.handleICE(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "public", resp["mode"])
	servers := resp["iceServers"].([]any)
	assert.Len(t, servers, 1)
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

// ============================================================================
// HISTORY READS
// ============================================================================

func TestMessagesEndpointPaginates(t *testing.T) {
	s, backend := testServer(t)
	ctx := context.Background()

	convo, err := backend.EnsureDirectConversation(ctx, "call:alice", "call:bob")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := backend.AppendMessage(ctx, &store.Message{
			ConvoID:     convo.ID,
			FromAddress: "call:alice",
			ToAddress:   "call:bob",
			Content:     []byte(fmt.Sprintf(`"m%d"`, i)),
			Status:      store.StatusDelivered,
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/messages/"+convo.ID+"?limit=2", nil)
	req = muxSetVars(req, map[string]string{"convo_id": convo.ID})
	rec := httptest.NewRecorder()
	s.handleMessages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeBody(t, rec)["messages"].([]any)
	require.Len(t, msgs, 2)
	// Newest page, oldest first within it.
	first := msgs[0].(map[string]any)
	assert.Equal(t, float64(3), first["seq"])
}

func TestMessagesEndpointSinceSeq(t *testing.T) {
	s, backend := testServer(t)
	ctx := context.Background()

	convo, err := backend.EnsureDirectConversation(ctx, "call:alice", "call:bob")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := backend.AppendMessage(ctx, &store.Message{
			ConvoID:     convo.ID,
			FromAddress: "call:alice",
			ToAddress:   "call:bob",
			Content:     []byte(fmt.Sprintf(`"m%d"`, i)),
			Status:      store.StatusDelivered,
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/messages/"+convo.ID+"?since_seq=2", nil)
	req = muxSetVars(req, map[string]string{"convo_id": convo.ID})
	rec := httptest.NewRecorder()
	s.handleMessages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeBody(t, rec)["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, float64(3), msgs[0].(map[string]any)["seq"])
	assert.Equal(t, float64(4), msgs[1].(map[string]any)["seq"])
}

func TestCallHistoryEndpoint(t *testing.T) {
	s, backend := testServer(t)
	ctx := context.Background()

	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	require.NoError(t, backend.RecordCall(ctx, &store.CallRecord{
		SessionID:     "s-1",
		CallerAddress: kp.Address,
		CalleeAddress: "call:bob",
		StartedAt:     time.Now(),
		DurationSec:   42,
		Outcome:       "completed",
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/calls/"+kp.Address, nil)
	req = muxSetVars(req, map[string]string{"address": kp.Address})
	rec := httptest.NewRecorder()
	s.handleCallHistory(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := decodeBody(t, rec)["calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, float64(42), calls[0].(map[string]any)["duration_sec"])
}

func TestConversationsRejectsBadAddress(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/junk", nil)
	req = muxSetVars(req, map[string]string{"address": "junk"})
	rec := httptest.NewRecorder()
	s.handleConversations(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// UPLOADS
// ============================================================================

func TestUploadAndFetchRoundTrip(t *testing.T) {
	s, _ := testServer(t)

	payload := []byte("attachment bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/upload?name=../../etc/passwd", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.handleUpload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "passwd", resp["name"], "path components are stripped")
	assert.Equal(t, float64(len(payload)), resp["size"])

	url := resp["url"].(string)
	fileID := url[len("http://localhost/api/files/"):]

	get := httptest.NewRequest(http.MethodGet, "/api/files/"+fileID, nil)
	get = muxSetVars(get, map[string]string{"file_id": fileID})
	rec = httptest.NewRecorder()
	s.handleFile(rec, get)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestFetchUnknownFile(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/files/nope.bin", nil)
	req = muxSetVars(req, map[string]string{"file_id": "nope.bin"})
	rec := httptest.NewRecorder()
	s.handleFile(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":         "report.pdf",
		"../../etc/passwd":   "passwd",
		"a b/c.txt":          "c.txt",
		"..":                 "",
		".hidden":            "hidden",
		"weird*chars?.bin":   "weird_chars_.bin",
		"":                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFilename(in), "input %q", in)
	}
}
