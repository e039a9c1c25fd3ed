package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/evchat/internal/agent"
	"github.com/nugget/evchat/internal/charging"
	"github.com/nugget/evchat/internal/history"
	"github.com/nugget/evchat/internal/usage"
)

// ChatRequest is the body of POST /chat and POST /v1/chat.
type ChatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// ChatResponse is the body of a successful POST /chat.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// DetailedChatResponse adds turn metadata for POST /v1/chat.
type DetailedChatResponse struct {
	Reply      string     `json:"reply"`
	Model      string     `json:"model,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ModelCalls int        `json:"model_calls"`
	Usage      Usage      `json:"usage"`
}

// ToolCall summarizes one tool invocation of a turn.
type ToolCall struct {
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	DurationMS int64  `json:"duration_ms"`
}

// Usage is the token count of a turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// inputError is a client mistake reported as 400.
type inputError struct {
	msg string
}

func (e *inputError) Error() string { return e.msg }

// rateLimitError is reported as 429 with Retry-After.
type rateLimitError struct {
	wait time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", retryAfterSeconds(e.wait))
}

func validateUserID(userID string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return &inputError{"user_id is required"}
	case utf8.RuneCountInString(userID) > MaxUserIDLen:
		return &inputError{fmt.Sprintf("user_id exceeds %d characters", MaxUserIDLen)}
	}
	return nil
}

func validateChat(userID, message string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(message) == "":
		return &inputError{"message is required"}
	case utf8.RuneCountInString(message) > MaxMessageLen:
		return &inputError{fmt.Sprintf("message exceeds %d characters", MaxMessageLen)}
	}
	return nil
}

// runTurn validates input, applies the per-user rate limit and runs one
// turn through the agent loop. Every turn that passes validation lands in
// the ledger, including rejected and failed ones.
func (s *Server) runTurn(ctx context.Context, channel, userID, message string) (*agent.Result, error) {
	if err := validateChat(userID, message); err != nil {
		return nil, err
	}

	rec := usage.Record{
		RequestID: RequestID(ctx),
		UserID:    userID,
		Channel:   channel,
	}
	start := time.Now()

	if ok, wait := s.limiter.allow(userID); !ok {
		rec.Outcome = usage.OutcomeRateLimited
		s.recordTurn(ctx, rec)
		return nil, &rateLimitError{wait: wait}
	}

	res, err := s.loop.Process(ctx, userID, message)
	rec.Duration = time.Since(start)
	if err != nil {
		s.stats.RecordFailure()
		rec.Outcome = turnOutcome(err)
		s.recordTurn(ctx, rec)
		return nil, err
	}

	s.stats.Record(res)
	if s.usage != nil {
		s.usage.OnTurn(res.ModelCalls, len(res.ToolCalls), res.InputTokens, res.OutputTokens)
	}

	rec.Model = res.Model
	rec.ModelCalls = res.ModelCalls
	rec.ToolCalls = len(res.ToolCalls)
	rec.InputTokens = res.InputTokens
	rec.OutputTokens = res.OutputTokens
	rec.Outcome = usage.OutcomeOK
	s.recordTurn(ctx, rec)
	return res, nil
}

// recordTurn writes rec to the ledger. A ledger failure never fails the
// turn.
func (s *Server) recordTurn(ctx context.Context, rec usage.Record) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record turn usage",
			"request_id", rec.RequestID, "user_id", rec.UserID, "error", err)
	}
}

func turnOutcome(err error) string {
	var modelErr *agent.ModelError
	var persistErr *agent.PersistenceError
	switch {
	case errors.As(err, &modelErr):
		return usage.OutcomeModelError
	case errors.As(err, &persistErr):
		return usage.OutcomeStoreError
	default:
		return usage.OutcomeOtherError
	}
}

// errorStatus maps an error to the HTTP status and client message. Internal
// failures are not described to the client.
func errorStatus(err error) (code int, message string, retryAfter int) {
	var inErr *inputError
	var rlErr *rateLimitError
	var modelErr *agent.ModelError
	var persistErr *agent.PersistenceError

	switch {
	case errors.As(err, &inErr):
		return http.StatusBadRequest, inErr.msg, 0
	case errors.Is(err, history.ErrEmptyUserID):
		return http.StatusBadRequest, "user_id is required", 0
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest, "message is required", 0
	case errors.As(err, &rlErr):
		return http.StatusTooManyRequests, rlErr.Error(), retryAfterSeconds(rlErr.wait)
	case errors.As(err, &modelErr):
		if modelErr.Retryable() {
			return http.StatusServiceUnavailable, "the assistant is temporarily unavailable, please retry", 30
		}
		return http.StatusServiceUnavailable, "the assistant could not answer this request", 300
	case errors.As(err, &persistErr):
		return http.StatusInternalServerError, "conversation history is unavailable", 0
	case errors.Is(err, charging.ErrNotFound):
		return http.StatusNotFound, "not found", 0
	case errors.Is(err, context.Canceled):
		// Client went away; the status is only logged.
		return 499, "request cancelled", 0
	default:
		return http.StatusInternalServerError, "internal error", 0
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg, retryAfter := errorStatus(err)
	log := s.logger.With("request_id", RequestID(r.Context()), "path", r.URL.Path)
	if code >= http.StatusInternalServerError {
		log.Error("request failed", "status", code, "error", err)
	} else {
		log.Debug("request rejected", "status", code, "error", err)
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	s.errorResponse(w, code, msg)
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := s.runTurn(r.Context(), usage.ChannelChat, req.UserID, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{Reply: res.Reply}, s.logger)
}

func (s *Server) handleChatDetailed(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := s.runTurn(r.Context(), usage.ChannelChat, req.UserID, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := DetailedChatResponse{
		Reply:      res.Reply,
		Model:      res.Model,
		ModelCalls: res.ModelCalls,
		Usage:      Usage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens},
	}
	for _, tc := range res.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			Name:       tc.Name,
			Arguments:  tc.Arguments,
			DurationMS: tc.Duration.Milliseconds(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
