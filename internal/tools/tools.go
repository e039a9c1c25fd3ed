// Package tools is the registry of functions the model may call.
//
// The registry is filled at startup and read-only afterwards. Execute is
// the single dispatch point: it injects the caller's user id, runs the
// handler and always returns a JSON payload. Handler failures, bad
// arguments, unknown tools and panics all become an in-band error payload
// the model can read, never an error for the caller.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nugget/evchat/internal/llm"
)

// UserIDArg is the argument name the registry injects into every call.
const UserIDArg = "user_id"

// Handler executes a tool. A nil result with a nil error means the query
// found nothing and is reported with the no-data sentinel.
type Handler func(ctx context.Context, args Args) (any, error)

// Tool is a callable function with its advertised schema.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema object
	Handler     Handler
}

// NoData is the payload for a query that matched nothing.
var NoData = map[string]any{"status": "no_data"}

// Registry holds the available tools in registration order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	tools   map[string]*Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry returns an empty registry. timeout bounds each execution;
// zero means no limit beyond the caller's context.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool. Registering a name twice replaces the handler but
// keeps the original position.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the schemas advertised to the model, in
// registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			r.logger.Error("tool schema does not encode", "tool", name, "error", err)
			continue
		}
		defs = append(defs, llm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: raw})
	}
	return defs
}

// Execute runs the named tool for userID with the model-supplied JSON
// arguments and returns the JSON result payload. The user_id argument is
// always set to userID, replacing anything the model sent.
func (r *Registry) Execute(ctx context.Context, userID, name, argsJSON string) string {
	start := time.Now()
	log := r.logger.With("tool", name, "user_id", userID)

	result, err := r.execute(ctx, userID, name, argsJSON)
	if err != nil {
		log.Warn("tool failed", "error", err, "duration", time.Since(start))
		return ErrorPayload(err)
	}

	if result == nil {
		log.Debug("tool returned no data", "duration", time.Since(start))
		return mustEncode(NoData)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		log.Error("tool result does not encode", "error", err)
		return ErrorPayload(fmt.Errorf("result encoding failed: %w", err))
	}

	log.Debug("tool executed", "duration", time.Since(start), "bytes", len(payload))
	return string(payload)
}

func (r *Registry) execute(ctx context.Context, userID, name, argsJSON string) (result any, err error) {
	t := r.Get(name)
	if t == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}

	args, err := ParseArgs(argsJSON)
	if err != nil {
		return nil, err
	}
	args[UserIDArg] = userID

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ctx = WithUserID(ctx, userID)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("internal error in %s", name)
		}
	}()

	return t.Handler(ctx, args)
}

// ErrorPayload renders err as {"status":"error","message":...}, adding
// "code" when the error carries one.
func ErrorPayload(err error) string {
	payload := map[string]any{
		"status":  "error",
		"message": err.Error(),
	}
	var coder Coder
	if errors.As(err, &coder) && coder.Code() != "" {
		payload["code"] = coder.Code()
	}
	var unavailable *ErrToolUnavailable
	if errors.As(err, &unavailable) {
		payload["code"] = "unavailable"
	}
	return mustEncode(payload)
}

func mustEncode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// ParseArgs decodes a model's argument string. Numbers are kept as
// json.Number so integer arguments survive without float rounding.
func ParseArgs(argsJSON string) (Args, error) {
	args := Args{}
	if len(bytes.TrimSpace([]byte(argsJSON))) == 0 {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(argsJSON)))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, &ErrInvalidArgument{Field: "arguments", Reason: "not a JSON object: " + err.Error()}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &ErrInvalidArgument{Field: "arguments", Reason: "unexpected data after the JSON object"}
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}
