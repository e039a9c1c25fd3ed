// Package agent implements the two-turn orchestration loop: the model
// first decides whether to call tools, the tools run, and the model then
// answers from their results. Every step is persisted to the user's
// history before the next one starts.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/evchat/internal/history"
	"github.com/nugget/evchat/internal/llm"
	"github.com/nugget/evchat/internal/prompts"
	"github.com/nugget/evchat/internal/tools"
)

const tracerName = "github.com/nugget/evchat/internal/agent"

// UserDirectory resolves the display name used to greet a user. An empty
// name means the user is unknown.
type UserDirectory interface {
	UserName(ctx context.Context, userID string) (string, error)
}

// Config tunes the loop.
type Config struct {
	Model string
	// ContextMessages bounds the non-system messages sent per model call.
	// 0 sends the whole history.
	ContextMessages int
	// Parallel is how many tool calls of one turn may run at once. 0 or 1
	// runs them in order.
	Parallel int
}

// ToolCallResult records one executed tool call.
type ToolCallResult struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Result    string        `json:"result"`
	Duration  time.Duration `json:"-"`
}

// Result is the outcome of one user turn.
type Result struct {
	Reply        string           `json:"reply"`
	Model        string           `json:"model,omitempty"`
	ToolCalls    []ToolCallResult `json:"tool_calls,omitempty"`
	ModelCalls   int              `json:"model_calls"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	Recovered    int              `json:"recovered_calls,omitempty"`
}

// Loop runs user turns. It is safe for concurrent use; turns for the same
// user are serialized.
type Loop struct {
	llm    llm.Client
	store  history.Store
	tools  *tools.Registry
	users  UserDirectory
	cfg    Config
	logger *slog.Logger

	turns  history.KeyedMutex
	tracer trace.Tracer
	now    func() time.Time
}

// NewLoop creates a loop. users may be nil, in which case nobody is
// greeted by name.
func NewLoop(client llm.Client, store history.Store, reg *tools.Registry, users UserDirectory, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		llm:    client,
		store:  store,
		tools:  reg,
		users:  users,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// Clear deletes userID's history. It waits for an in-flight turn of the
// same user to finish so a turn never continues on a wiped history.
func (l *Loop) Clear(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return history.ErrEmptyUserID
	}
	unlock := l.turns.Lock(userID)
	defer unlock()

	if err := l.store.Clear(ctx, userID); err != nil {
		return &PersistenceError{Op: "clear history", Err: err}
	}
	l.logger.Debug("history cleared", "user_id", userID)
	return nil
}

// Process runs one turn for userID: persist the user's message, let the
// model pick tools, run them, and persist the model's answer.
//
// A *ModelError leaves history consistent and the turn may be retried.
// A *PersistenceError means the turn stopped at the failed write.
func (l *Loop) Process(ctx context.Context, userID, text string) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, history.ErrEmptyUserID
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	unlock := l.turns.Lock(userID)
	defer unlock()

	ctx, span := l.tracer.Start(ctx, "agent.turn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("gen_ai.request.model", l.cfg.Model),
		))
	defer span.End()

	start := time.Now()
	log := l.logger.With("user_id", userID)

	res, err := l.process(ctx, log, userID, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("turn failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("agent.model_calls", res.ModelCalls),
		attribute.Int("agent.tool_calls", len(res.ToolCalls)),
		attribute.Int("gen_ai.usage.input_tokens", res.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", res.OutputTokens),
	)
	log.Info("turn complete",
		"model_calls", res.ModelCalls,
		"tool_calls", len(res.ToolCalls),
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"elapsed", time.Since(start),
	)
	return res, nil
}

func (l *Loop) process(ctx context.Context, log *slog.Logger, userID, text string) (*Result, error) {
	if _, err := l.store.EnsureSystem(ctx, userID, prompts.Instructions()); err != nil {
		return nil, &PersistenceError{Op: "ensure system message", Err: err}
	}

	res := &Result{Model: l.cfg.Model}

	// A previous turn may have stopped between a tool request and its
	// results. Answer those calls before anything else is appended.
	n, err := l.recoverPending(ctx, log, userID)
	if err != nil {
		return nil, err
	}
	res.Recovered = n

	if err := l.store.Append(ctx, userID, llm.UserMessage(text)); err != nil {
		return nil, &PersistenceError{Op: "append user message", Err: err}
	}

	userCtx := l.userContext(ctx, log, userID)

	// Turn 1: the model answers or asks for tools.
	first, err := l.modelTurn(ctx, userID, userCtx, 1, llm.ToolChoiceAuto, res)
	if err != nil {
		return nil, err
	}

	calls := first.Message.ToolCalls
	if len(calls) == 0 {
		reply := first.Message.Content
		if strings.TrimSpace(reply) == "" {
			log.Warn("model returned an empty answer", "finish_reason", first.FinishReason)
			reply = prompts.EmptyResponseFallback
		}
		if err := l.store.Append(ctx, userID, llm.AssistantMessage(reply)); err != nil {
			return nil, &PersistenceError{Op: "append assistant message", Err: err}
		}
		res.Reply = reply
		return res, nil
	}

	calls, err = checkCalls(calls)
	if err != nil {
		return nil, &ModelError{Turn: 1, Err: err}
	}
	if err := l.store.Append(ctx, userID, llm.ToolRequestMessage(calls)); err != nil {
		return nil, &PersistenceError{Op: "append tool request", Err: err}
	}

	results, err := l.dispatch(ctx, log, userID, calls)
	res.ToolCalls = append(res.ToolCalls, results...)
	if err != nil {
		return nil, err
	}

	// Every call must be answered before the model sees the history again.
	n, err = l.recoverPending(ctx, log, userID)
	if err != nil {
		return nil, err
	}
	res.Recovered += n

	// Turn 2: the model answers from the tool results.
	second, err := l.modelTurn(ctx, userID, userCtx, 2, llm.ToolChoiceNone, res)
	if err != nil {
		return nil, err
	}
	if len(second.Message.ToolCalls) > 0 {
		log.Warn("model requested tools on the final turn; ignoring",
			"count", len(second.Message.ToolCalls))
	}

	reply := second.Message.Content
	if strings.TrimSpace(reply) == "" {
		log.Warn("model returned an empty final answer", "finish_reason", second.FinishReason)
		reply = prompts.EmptyResponseFallback
	}
	if err := l.store.Append(ctx, userID, llm.AssistantMessage(reply)); err != nil {
		return nil, &PersistenceError{Op: "append assistant message", Err: err}
	}
	res.Reply = reply
	return res, nil
}

// modelTurn loads the history, builds the request and calls the model.
func (l *Loop) modelTurn(ctx context.Context, userID, userCtx string, turn int, choice llm.ToolChoice, res *Result) (*llm.ChatResponse, error) {
	msgs, err := l.store.History(ctx, userID)
	if err != nil {
		return nil, &PersistenceError{Op: "load history", Err: err}
	}

	req := llm.ChatRequest{
		Model:      l.cfg.Model,
		Messages:   l.requestMessages(msgs, userCtx),
		Tools:      l.tools.Definitions(),
		ToolChoice: choice,
	}

	ctx, span := l.tracer.Start(ctx, "llm.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.request.model", req.Model),
			attribute.Int("agent.turn", turn),
			attribute.String("gen_ai.request.tool_choice", string(choice)),
			attribute.Int("agent.messages", len(req.Messages)),
		))
	defer span.End()

	resp, err := l.llm.Chat(ctx, req)
	res.ModelCalls++
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &ModelError{Turn: turn, Err: err}
	}

	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens
	if resp.Model != "" {
		res.Model = resp.Model
	}
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", resp.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.OutputTokens),
		attribute.String("gen_ai.response.finish_reason", resp.FinishReason),
		attribute.Int("agent.tool_calls", len(resp.Message.ToolCalls)),
	)
	return resp, nil
}

// requestMessages windows the stored history and appends the per-request
// user context to the system message. The stored history is not changed.
func (l *Loop) requestMessages(msgs []llm.Message, userCtx string) []llm.Message {
	window := history.Window(msgs, l.cfg.ContextMessages)
	out := make([]llm.Message, len(window))
	copy(out, window)
	for i := range out {
		if out[i].Role == llm.RoleSystem {
			out[i].Content = out[i].Content + "\n\n" + userCtx
			break
		}
	}
	return out
}

func (l *Loop) userContext(ctx context.Context, log *slog.Logger, userID string) string {
	var name string
	if l.users != nil {
		n, err := l.users.UserName(ctx, userID)
		if err != nil {
			log.Warn("user name lookup failed", "error", err)
		}
		name = n
	}
	return prompts.UserContext(name, l.now())
}

// recoverPending answers the calls of a trailing unanswered tool request.
func (l *Loop) recoverPending(ctx context.Context, log *slog.Logger, userID string) (int, error) {
	msgs, err := l.store.History(ctx, userID)
	if err != nil {
		return 0, &PersistenceError{Op: "load history", Err: err}
	}
	pending := history.PendingToolCalls(msgs)
	if len(pending) == 0 {
		return 0, nil
	}
	log.Warn("answering unfinished tool calls", "count", len(pending))
	_, err = l.dispatch(ctx, log, userID, pending)
	return len(pending), err
}

// checkCalls returns calls ready to persist: every call has a unique ID
// and a type. A call without a function name cannot be answered and
// fails the turn before anything is written.
func checkCalls(calls []llm.ToolCall) ([]llm.ToolCall, error) {
	out := make([]llm.ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, c := range calls {
		if c.Function.Name == "" {
			return nil, fmt.Errorf("tool call %d has no function name", i)
		}
		if c.ID == "" || seen[c.ID] {
			c.ID = newCallID()
		}
		seen[c.ID] = true
		if c.Type == "" {
			c.Type = "function"
		}
		out[i] = c
	}
	return out, nil
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
