// Package api exposes the HTTP edges: token minting, ICE config, history
// reads, uploads, billing webhook, health and metrics, plus the /ws upgrade.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/calltoken"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/hub"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/ice"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/ratelimit"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

const requestTimeout = 30 * time.Second

// Server is the HTTP front of the hub.
type Server struct {
	cfg     *config.Config
	backend store.Backend
	tokens  *calltoken.Issuer
	ice     *ice.Builder
	hub     *hub.Hub
	limiter *ratelimit.Limiter
	uploads *UploadStore
	log     *slog.Logger

	httpSrv *http.Server
}

func NewServer(cfg *config.Config, backend store.Backend, tokens *calltoken.Issuer,
	iceBuilder *ice.Builder, h *hub.Hub, uploads *UploadStore, log *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		backend: backend,
		tokens:  tokens,
		ice:     iceBuilder,
		hub:     h,
		limiter: ratelimit.New(60),
		uploads: uploads,
		log:     log,
	}
}

// Router assembles all routes with the shared middleware stack.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware, s.loggingMiddleware)

	r.HandleFunc("/ws", s.hub.HandleWebSocket)

	r.HandleFunc("/api/call-session-token", s.handleCallSessionToken).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/ice", s.handleICE).Methods("GET")
	r.HandleFunc("/api/conversations/{address}", s.handleConversations).Methods("GET")
	r.HandleFunc("/api/messages/{convo_id}", s.handleMessages).Methods("GET")
	r.HandleFunc("/api/calls/{address}", s.handleCallHistory).Methods("GET")
	r.HandleFunc("/api/upload", s.handleUpload).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/files/{file_id}", s.handleFile).Methods("GET")
	r.HandleFunc("/api/billing/webhook", s.handleBillingWebhook).Methods("POST")
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// ListenAndServe runs until ctx is cancelled, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// No server-level read/write timeouts: they would kill long-lived /ws
	// connections. Plain HTTP handlers bound their own work instead.
	s.httpSrv = &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "port", s.cfg.Port)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/api/health" && r.URL.Path != "/metrics" {
			s.log.Debug("http", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		}
	})
}

// clientIP respects X-Forwarded-For only behind a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			return fwd
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
