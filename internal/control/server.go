// Package control implements the REST + WebSocket-upgrade control plane
// (spec component C5), grounded on the teacher's
// internal/interfaces/http/server.go middleware chain, generalized from a
// read-only candidates API to the gateway's subscription/status/WS-upgrade
// surface. The chain is request-id, logging and CORS, plus a JSON
// content-type header on /api routes. There is no per-request timeout
// middleware; only the http.Server read and write timeouts apply.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mdgateway/internal/config"
	"mdgateway/internal/connector"
	"mdgateway/internal/gatewayerr"
	"mdgateway/internal/metrics"
	"mdgateway/internal/registry"
	"mdgateway/internal/session"
)

// Server is the gateway's HTTP(S) front door: REST control endpoints plus
// the WebSocket upgrade handler that spawns Sessions.
type Server struct {
	router *mux.Router
	server *http.Server
	cfg    config.RESTConfig
	wsCfg  config.WebSocketConfig

	dist     *registry.Distributor
	conn     *connector.Connector
	metrics  *metrics.Registry
	upgrader websocket.Upgrader
	nextSID  uint64

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New builds a Server wired to dist (for WebSocket sessions and the
// ingest drop count in status) and conn (for adapter health and the
// process-level default instrument set). Call Start to listen.
func New(cfg config.RESTConfig, wsCfg config.WebSocketConfig, dist *registry.Distributor, conn *connector.Connector, reg *metrics.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		wsCfg:   wsCfg,
		dist:    dist,
		conn:    conn,
		metrics: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.router = mux.NewRouter()
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)
	api.HandleFunc("/subscriptions", s.handleSubscriptions).Methods("GET")
	api.HandleFunc("/subscribe", s.handleSubscribe).Methods("POST")
	api.HandleFunc("/unsubscribe", s.handleUnsubscribe).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc(s.wsCfg.Path, s.handleWebSocketUpgrade)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info().
			Str("request_id", fmt.Sprint(r.Context().Value(requestIDKey{}))).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("control request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if len(s.cfg.CORSOrigins) == 0 {
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	}
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type subscribeRequest struct {
	Instruments []string `json:"instruments"`
}

// handleSubscribe adds instruments to the process-level default
// instrument set (spec.md §4.4, §6.2): it operates purely at the
// Connector's upstream refcount level and never creates a downstream
// subscriber, so it cannot be confused with any live session's state.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := validateInstruments(req.Instruments); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.conn.AddDefaultInstruments(req.Instruments)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

// handleUnsubscribe removes instruments from the process-level default
// instrument set, symmetric with handleSubscribe.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.conn.RemoveDefaultInstruments(req.Instruments)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

// handleSubscriptions reports the process-level default instrument set
// (spec.md §6.2): unlike a live session's subscriptions, this set has no
// session concept at all.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	instruments := s.conn.DefaultInstruments()
	_ = json.NewEncoder(w).Encode(map[string]any{"instruments": instruments})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.conn.Status()
	_ = json.NewEncoder(w).Encode(map[string]any{
		"adapters":     statuses,
		"ingest_drops": s.dist.IngestDrops(),
	})
}

func (s *Server) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	sid := registry.SubscriberID(atomic.AddUint64(&s.nextSID, 1))
	sessCfg := session.Config{
		BatchInterval:      time.Duration(s.wsCfg.BatchIntervalMS) * time.Millisecond,
		BatchSizeThreshold: s.wsCfg.BatchSizeThreshold,
		HeartbeatInterval:  time.Duration(s.wsCfg.HeartbeatSecs) * time.Second,
		OutboxCapacity:     s.wsCfg.OutboxCapacity,
		WriteTimeout:       s.cfg.WriteTimeout,
	}
	sess := session.New(sid, conn, s.dist, sessCfg, s.metrics)
	s.metrics.RecordSessionOpened()
	go func() {
		// Sessions run against the server's base context, not the
		// upgrade request's: net/http cancels a request's context as
		// soon as its handler returns, which happens immediately here
		// since the session runs in its own goroutine after hijack.
		sess.Run(s.baseCtx)
		s.metrics.RecordSessionClosed("closed")
	}()
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "not found")
}

// validateInstruments applies the basic "exchange.symbol" shape check
// before an instrument key reaches the Connector's default set.
func validateInstruments(instruments []string) error {
	for _, k := range instruments {
		if k == "" || !strings.Contains(k, ".") {
			return fmt.Errorf("%w: %q", gatewayerr.ErrUnknownInstrument, k)
		}
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting control plane server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.server.Shutdown(ctx)
}
