// Package api serves the chat agent over HTTP: a JSON chat endpoint, a
// voice round trip, a websocket channel, history administration and the
// health and version probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/evchat/internal/agent"
	"github.com/nugget/evchat/internal/buildinfo"
	"github.com/nugget/evchat/internal/charging"
	"github.com/nugget/evchat/internal/connwatch"
	"github.com/nugget/evchat/internal/history"
	"github.com/nugget/evchat/internal/usage"
)

// Input limits for chat requests.
const (
	MaxUserIDLen  = 128
	MaxMessageLen = 8000

	maxBodyBytes = 64 << 10
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chatter runs conversational turns and clears a user's history between
// them.
type Chatter interface {
	Process(ctx context.Context, userID, text string) (*agent.Result, error)
	Clear(ctx context.Context, userID string) error
}

// Reservations looks up booked charging sessions.
type Reservations interface {
	Reservation(ctx context.Context, userID, sessionID string) (*charging.Reservation, error)
}

// Voice converts between speech and text.
type Voice interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// TurnObserver is told about every completed turn.
type TurnObserver interface {
	OnTurn(modelCalls, toolCalls, inputTokens, outputTokens int)
}

// Ledger persists one record per turn and aggregates them.
type Ledger interface {
	Record(ctx context.Context, rec usage.Record) error
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByUser(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByChannel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    Chatter
	store   history.Store
	logger  *slog.Logger
	server  *http.Server
	stats   *SessionStats

	reservations Reservations
	voice        Voice
	health       *connwatch.Manager
	usage        TurnObserver
	ledger       Ledger
	limiter      *userLimiter
}

// SessionStats tracks turns and token usage since the process started.
type SessionStats struct {
	mu                sync.Mutex
	startedAt         time.Time
	totalTurns        int64
	failedTurns       int64
	totalToolCalls    int64
	totalInputTokens  int64
	totalOutputTokens int64
}

// SessionStatsSnapshot is a copy-safe snapshot of session stats.
type SessionStatsSnapshot struct {
	StartedAt         time.Time `json:"started_at"`
	TotalTurns        int64     `json:"total_turns"`
	FailedTurns       int64     `json:"failed_turns"`
	TotalToolCalls    int64     `json:"total_tool_calls"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
}

func newSessionStats() *SessionStats {
	return &SessionStats{startedAt: time.Now().UTC()}
}

// Record adds a completed turn.
func (s *SessionStats) Record(res *agent.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalTurns++
	s.totalToolCalls += int64(len(res.ToolCalls))
	s.totalInputTokens += int64(res.InputTokens)
	s.totalOutputTokens += int64(res.OutputTokens)
}

// RecordFailure counts a turn that ended in an error.
func (s *SessionStats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedTurns++
}

func (s *SessionStats) Snapshot() SessionStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatsSnapshot{
		StartedAt:         s.startedAt,
		TotalTurns:        s.totalTurns,
		FailedTurns:       s.failedTurns,
		TotalToolCalls:    s.totalToolCalls,
		TotalInputTokens:  s.totalInputTokens,
		TotalOutputTokens: s.totalOutputTokens,
	}
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop Chatter, store history.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		store:   store,
		logger:  logger,
		stats:   newSessionStats(),
	}
}

// SetReservations enables the reservation QR endpoint.
func (s *Server) SetReservations(r Reservations) {
	s.reservations = r
}

// SetVoice enables the voice endpoint.
func (s *Server) SetVoice(v Voice) {
	s.voice = v
}

// SetHealth makes /health report dependency status from m.
func (s *Server) SetHealth(m *connwatch.Manager) {
	s.health = m
}

// SetUsage registers an observer for completed turns.
func (s *Server) SetUsage(u TurnObserver) {
	s.usage = u
}

// SetLedger records every turn in l and enables GET /v1/usage.
func (s *Server) SetLedger(l Ledger) {
	s.ledger = l
}

// SetRateLimit limits each user to perMinute turns with the given burst.
// A non-positive perMinute disables limiting.
func (s *Server) SetRateLimit(perMinute float64, burst int) {
	s.limiter = newUserLimiter(perMinute, burst)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat", s.handleChatDetailed)
	mux.HandleFunc("POST /voice", s.handleVoice)
	mux.HandleFunc("GET /v1/ws", s.handleWebsocket)

	// History administration
	mux.HandleFunc("GET /v1/history", s.handleHistoryUsers)
	mux.HandleFunc("GET /v1/history/{user_id}", s.handleHistoryGet)
	mux.HandleFunc("DELETE /v1/history/{user_id}", s.handleHistoryDelete)

	// Reservations
	mux.HandleFunc("GET /v1/reservations/{session_id}/qr", s.handleReservationQR)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(s.withTracing(mux))
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // a turn can take two model calls plus tools
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "evchat",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stats.Snapshot(), s.logger)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status   string                    `json:"status"`
	Uptime   string                    `json:"uptime"`
	Services []connwatch.ServiceStatus `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Round(time.Second).String(),
	}
	code := http.StatusOK
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}
