package agent

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/evchat/internal/llm"
)

// dispatch executes calls and persists one tool message per call, in
// call order. Tool failures become error payloads; only a failed write
// is returned as an error.
func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, userID string, calls []llm.ToolCall) ([]ToolCallResult, error) {
	results := make([]ToolCallResult, len(calls))

	if l.cfg.Parallel > 1 && len(calls) > 1 {
		var g errgroup.Group
		g.SetLimit(l.cfg.Parallel)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = l.execute(ctx, userID, call)
				return nil
			})
		}
		_ = g.Wait()

		for i, call := range calls {
			if err := l.persistResult(ctx, userID, call, results[i].Result); err != nil {
				return results[:i], err
			}
		}
		log.Debug("tool calls dispatched", "count", len(calls), "parallel", l.cfg.Parallel)
		return results, nil
	}

	for i, call := range calls {
		results[i] = l.execute(ctx, userID, call)
		if err := l.persistResult(ctx, userID, call, results[i].Result); err != nil {
			return results[:i], err
		}
	}
	log.Debug("tool calls dispatched", "count", len(calls))
	return results, nil
}

func (l *Loop) execute(ctx context.Context, userID string, call llm.ToolCall) ToolCallResult {
	ctx, span := l.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("gen_ai.tool.name", call.Function.Name),
			attribute.String("gen_ai.tool.call.id", call.ID),
		))
	defer span.End()

	start := time.Now()
	payload := l.tools.Execute(ctx, userID, call.Function.Name, call.Function.Arguments)
	span.SetAttributes(attribute.Int("tool.result_bytes", len(payload)))

	return ToolCallResult{
		ID:        call.ID,
		Name:      call.Function.Name,
		Arguments: call.Function.Arguments,
		Result:    payload,
		Duration:  time.Since(start),
	}
}

func (l *Loop) persistResult(ctx context.Context, userID string, call llm.ToolCall, payload string) error {
	msg := llm.ToolResultMessage(call.ID, call.Function.Name, payload)
	if err := l.store.Append(ctx, userID, msg); err != nil {
		return &PersistenceError{Op: "append tool result " + call.ID, Err: err}
	}
	return nil
}
