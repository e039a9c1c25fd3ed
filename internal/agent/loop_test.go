package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/evchat/internal/history"
	"github.com/nugget/evchat/internal/llm"
	"github.com/nugget/evchat/internal/prompts"
	"github.com/nugget/evchat/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockLLM returns pre-configured responses in sequence and records each
// request. A nil response with a non-nil error in errs fails that call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      map[int]error
	callIndex int
	calls     []llm.ChatRequest
}

func (m *mockLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req.Messages = append([]llm.Message(nil), req.Messages...)
	m.calls = append(m.calls, req)
	idx := m.callIndex
	m.callIndex++

	if err := m.errs[idx]; err != nil {
		return nil, err
	}
	if idx >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", idx)
	}
	return m.responses[idx], nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.AssistantMessage(content),
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.ToolRequestMessage(calls),
		FinishReason: "tool_calls",
		InputTokens:  12,
		OutputTokens: 3,
	}
}

type staticUsers map[string]string

func (s staticUsers) UserName(_ context.Context, id string) (string, error) {
	return s[id], nil
}

// recordedCall is one handler invocation seen by the test registry.
type recordedCall struct {
	Tool string
	Args tools.Args
}

type testTools struct {
	reg   *tools.Registry
	mu    sync.Mutex
	calls []recordedCall
}

func (tt *testTools) record(name string, args tools.Args) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.calls = append(tt.calls, recordedCall{Tool: name, Args: args})
}

func newTestTools() *testTools {
	tt := &testTools{reg: tools.NewRegistry(time.Second, discardLogger())}
	tt.reg.Register(&tools.Tool{
		Name:        "getAvgTransactionAmount",
		Description: "average transaction",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"today":    map[string]any{"type": "string"},
				"n_months": map[string]any{"type": "string"},
			},
			"required": []string{"today", "n_months"},
		},
		Handler: func(_ context.Context, args tools.Args) (any, error) {
			tt.record("getAvgTransactionAmount", args)
			return map[string]any{"avg_transaction_amount": 12.5}, nil
		},
	})
	tt.reg.Register(&tools.Tool{
		Name:        "getAvgSessionStats",
		Description: "session stats",
		Handler: func(_ context.Context, args tools.Args) (any, error) {
			tt.record("getAvgSessionStats", args)
			return nil, nil
		},
	})
	tt.reg.Register(&tools.Tool{
		Name:        "reserveSession",
		Description: "reserve",
		Handler: func(_ context.Context, args tools.Args) (any, error) {
			tt.record("reserveSession", args)
			return nil, errors.New("database is locked")
		},
	})
	return tt
}

func buildTestLoop(client llm.Client, store history.Store, tt *testTools, cfg Config) *Loop {
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	l := NewLoop(client, store, tt.reg, staticUsers{"u1": "Alice"}, cfg, discardLogger())
	l.now = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }
	return l
}

// checkHistory asserts the stored-history invariants: at most one system
// message, every tool result answers an earlier request in the same
// exchange, and every request is fully answered.
func checkHistory(t *testing.T, msgs []llm.Message) {
	t.Helper()

	systems := 0
	open := map[string]bool{}
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			t.Errorf("message %d invalid: %v", i, err)
		}
		switch m.Kind() {
		case llm.KindSystem:
			systems++
		case llm.KindToolRequest:
			if len(open) > 0 {
				t.Errorf("message %d: new tool request while %d calls unanswered", i, len(open))
			}
			for _, id := range m.CallIDs() {
				open[id] = true
			}
		case llm.KindToolResult:
			if !open[m.ToolCallID] {
				t.Errorf("message %d: tool result %q has no open request", i, m.ToolCallID)
			}
			delete(open, m.ToolCallID)
		default:
			if len(open) > 0 {
				t.Errorf("message %d (%s): %d tool calls unanswered", i, m.Role, len(open))
			}
		}
	}
	if systems > 1 {
		t.Errorf("history has %d system messages", systems)
	}
	if len(open) > 0 {
		t.Errorf("history ends with %d unanswered tool calls", len(open))
	}
}

func roles(msgs []llm.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Kind().String()
	}
	return strings.Join(parts, ",")
}

func TestProcess_DirectAnswer(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("Hello Alice! How can I help?")}}
	store := history.NewMemoryStore()
	tt := newTestTools()
	loop := buildTestLoop(mock, store, tt, Config{})

	res, err := loop.Process(ctx, "u1", "hi")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.Reply != "Hello Alice! How can I help?" {
		t.Errorf("Reply = %q", res.Reply)
	}
	if res.ModelCalls != 1 || mock.callCount() != 1 {
		t.Errorf("model calls = %d (mock saw %d), want 1", res.ModelCalls, mock.callCount())
	}
	if res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", res.InputTokens, res.OutputTokens)
	}

	req := mock.calls[0]
	if req.ToolChoice != llm.ToolChoiceAuto {
		t.Errorf("ToolChoice = %q, want auto", req.ToolChoice)
	}
	if len(req.Tools) != 3 {
		t.Errorf("advertised %d tools, want 3", len(req.Tools))
	}
	if req.Model != "test-model" {
		t.Errorf("Model = %q", req.Model)
	}

	msgs, _ := store.History(ctx, "u1")
	if got, want := roles(msgs), "system,user,assistant_text"; got != want {
		t.Errorf("history = %s, want %s", got, want)
	}
	checkHistory(t, msgs)
}

func TestProcess_UserContextNotPersisted(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("ok")}}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	if _, err := loop.Process(ctx, "u1", "hi"); err != nil {
		t.Fatal(err)
	}

	sent := mock.calls[0].Messages[0]
	if sent.Role != llm.RoleSystem {
		t.Fatalf("first request message role = %s", sent.Role)
	}
	for _, want := range []string{"first name is Alice", "2025-03-14 09:30:00 (Friday)"} {
		if !strings.Contains(sent.Content, want) {
			t.Errorf("request system message missing %q", want)
		}
	}

	msgs, _ := store.History(ctx, "u1")
	if msgs[0].Content != prompts.Instructions() {
		t.Error("persisted system message differs from the static instructions")
	}
}

func TestProcess_UnknownUserNotGreeted(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("ok")}}
	loop := buildTestLoop(mock, history.NewMemoryStore(), newTestTools(), Config{})

	if _, err := loop.Process(context.Background(), "stranger", "hi"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mock.calls[0].Messages[0].Content, "not known") {
		t.Error("unknown user should be described as not known")
	}
}

func TestProcess_SingleToolCall(t *testing.T) {
	ctx := context.Background()
	args := `{"today": "2025-03-14",  "n_months":"4", "user_id":"u2"}`
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(llm.NewToolCall("call_abc", "getAvgTransactionAmount", args)),
		textResponse("Your average was $12.50."),
	}}
	store := history.NewMemoryStore()
	tt := newTestTools()
	loop := buildTestLoop(mock, store, tt, Config{})

	res, err := loop.Process(ctx, "u1", "What is my average transaction?")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.ModelCalls != 2 || mock.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", res.ModelCalls)
	}
	if res.Reply != "Your average was $12.50." {
		t.Errorf("Reply = %q", res.Reply)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "getAvgTransactionAmount" {
		t.Fatalf("ToolCalls = %+v", res.ToolCalls)
	}
	if res.InputTokens != 22 || res.OutputTokens != 8 {
		t.Errorf("tokens = %d/%d, want 22/8", res.InputTokens, res.OutputTokens)
	}

	// user_id comes from the session, never from the model.
	if len(tt.calls) != 1 {
		t.Fatalf("handler called %d times", len(tt.calls))
	}
	if got := tt.calls[0].Args.UserID(); got != "u1" {
		t.Errorf("injected user_id = %q, want u1", got)
	}

	msgs, _ := store.History(ctx, "u1")
	if got, want := roles(msgs), "system,user,tool_request,tool_result,assistant_text"; got != want {
		t.Fatalf("history = %s, want %s", got, want)
	}
	checkHistory(t, msgs)

	req := msgs[2]
	if req.Content != "" {
		t.Errorf("tool request content = %q, want null", req.Content)
	}
	if req.ToolCalls[0].Function.Arguments != args {
		t.Errorf("arguments changed:\n got %s\nwant %s", req.ToolCalls[0].Function.Arguments, args)
	}
	result := msgs[3]
	if result.ToolCallID != "call_abc" || result.Name != "getAvgTransactionAmount" {
		t.Errorf("tool result = %+v", result)
	}
	if result.Content != `{"avg_transaction_amount":12.5}` {
		t.Errorf("tool payload = %s", result.Content)
	}

	second := mock.calls[1]
	if second.ToolChoice != llm.ToolChoiceNone {
		t.Errorf("second ToolChoice = %q, want none", second.ToolChoice)
	}
	last := second.Messages[len(second.Messages)-1]
	if last.Kind() != llm.KindToolResult || last.ToolCallID != "call_abc" {
		t.Errorf("second request should end with the tool result, got %+v", last)
	}
}

func TestProcess_ToolErrorReachesSecondTurn(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(llm.NewToolCall("call_1", "reserveSession", `{"session_id":"s9"}`)),
		textResponse("Sorry, the reservation failed."),
	}}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	res, err := loop.Process(ctx, "u1", "reserve")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.ModelCalls != 2 {
		t.Errorf("model calls = %d, want 2", res.ModelCalls)
	}

	msgs, _ := store.History(ctx, "u1")
	checkHistory(t, msgs)
	var payload map[string]any
	if err := json.Unmarshal([]byte(msgs[3].Content), &payload); err != nil {
		t.Fatalf("tool payload is not JSON: %v", err)
	}
	if payload["status"] != "error" || payload["message"] != "database is locked" {
		t.Errorf("payload = %v", payload)
	}
}

func TestProcess_UnknownToolAndBadArguments(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(
			llm.NewToolCall("call_1", "launchRocket", `{}`),
			llm.NewToolCall("call_2", "getAvgTransactionAmount", `{today:`),
		),
		textResponse("I couldn't do that."),
	}}
	store := history.NewMemoryStore()
	tt := newTestTools()
	loop := buildTestLoop(mock, store, tt, Config{})

	if _, err := loop.Process(ctx, "u1", "go"); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(tt.calls) != 0 {
		t.Errorf("no handler should run, got %+v", tt.calls)
	}

	msgs, _ := store.History(ctx, "u1")
	checkHistory(t, msgs)
	if msgs[2].ToolCalls[1].Function.Arguments != `{today:` {
		t.Error("malformed arguments must be persisted verbatim")
	}
	if !strings.Contains(msgs[3].Content, `"code":"unavailable"`) {
		t.Errorf("unknown tool payload = %s", msgs[3].Content)
	}
	if !strings.Contains(msgs[4].Content, `"status":"error"`) {
		t.Errorf("bad arguments payload = %s", msgs[4].Content)
	}
}

func TestProcess_MultipleToolCallsKeepOrder(t *testing.T) {
	for _, parallel := range []int{0, 4} {
		t.Run(fmt.Sprintf("parallel=%d", parallel), func(t *testing.T) {
			ctx := context.Background()
			mock := &mockLLM{responses: []*llm.ChatResponse{
				toolResponse(
					llm.NewToolCall("call_a", "getAvgTransactionAmount", `{"today":"2025-03-14","n_months":"1"}`),
					llm.NewToolCall("call_b", "getAvgSessionStats", `{}`),
					llm.NewToolCall("call_c", "reserveSession", `{}`),
				),
				textResponse("Here is everything."),
			}}
			store := history.NewMemoryStore()
			tt := newTestTools()
			loop := buildTestLoop(mock, store, tt, Config{Parallel: parallel})

			res, err := loop.Process(ctx, "u1", "everything please")
			if err != nil {
				t.Fatalf("Process() error: %v", err)
			}
			if len(res.ToolCalls) != 3 {
				t.Fatalf("ToolCalls = %d, want 3", len(res.ToolCalls))
			}

			msgs, _ := store.History(ctx, "u1")
			checkHistory(t, msgs)
			if got, want := roles(msgs), "system,user,tool_request,tool_result,tool_result,tool_result,assistant_text"; got != want {
				t.Fatalf("history = %s", got)
			}
			for i, id := range []string{"call_a", "call_b", "call_c"} {
				if msgs[3+i].ToolCallID != id {
					t.Errorf("result %d answers %q, want %q", i, msgs[3+i].ToolCallID, id)
				}
			}
			if msgs[4].Content != `{"status":"no_data"}` {
				t.Errorf("no-data payload = %s", msgs[4].Content)
			}
		})
	}
}

func TestProcess_MissingAndDuplicateCallIDs(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(
			llm.ToolCall{Function: llm.FunctionCall{Name: "getAvgSessionStats", Arguments: `{}`}},
			llm.NewToolCall("dup", "getAvgSessionStats", `{}`),
			llm.NewToolCall("dup", "getAvgSessionStats", `{}`),
		),
		textResponse("done"),
	}}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	if _, err := loop.Process(ctx, "u1", "stats"); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	msgs, _ := store.History(ctx, "u1")
	checkHistory(t, msgs)

	ids := msgs[2].CallIDs()
	if ids[0] == "" || ids[1] != "dup" || ids[2] == "dup" {
		t.Errorf("call ids = %v", ids)
	}
}

func TestProcess_NamelessToolCallIsModelError(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(llm.NewToolCall("call_1", "", `{}`)),
	}}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	_, err := loop.Process(ctx, "u1", "hi")
	var me *ModelError
	if !errors.As(err, &me) || me.Turn != 1 {
		t.Fatalf("err = %v, want turn 1 ModelError", err)
	}
	msgs, _ := store.History(ctx, "u1")
	if got := roles(msgs); got != "system,user" {
		t.Errorf("history = %s", got)
	}
}

func TestProcess_SystemMessageOnce(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{
		textResponse("one"), textResponse("two"), textResponse("three"),
	}}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	for _, q := range []string{"a", "b", "c"} {
		if _, err := loop.Process(ctx, "u1", q); err != nil {
			t.Fatal(err)
		}
	}

	msgs, _ := store.History(ctx, "u1")
	if got, want := roles(msgs), "system,user,assistant_text,user,assistant_text,user,assistant_text"; got != want {
		t.Errorf("history = %s", got)
	}
	checkHistory(t, msgs)

	// The third request carries the whole conversation in order.
	third := mock.calls[2].Messages
	if len(third) != 6 || third[5].Content != "c" {
		t.Errorf("third request = %s", roles(third))
	}
}

func TestProcess_ConcurrentTurnsSameUser(t *testing.T) {
	ctx := context.Background()
	const turns = 6
	responses := make([]*llm.ChatResponse, 0, 2*turns)
	for i := range turns {
		responses = append(responses,
			toolResponse(llm.NewToolCall(fmt.Sprintf("call_%d", i), "getAvgSessionStats", `{}`)),
			textResponse(fmt.Sprintf("answer %d", i)),
		)
	}
	mock := &mockLLM{responses: responses}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := loop.Process(ctx, "u1", fmt.Sprintf("q%d", i)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Process() error: %v", err)
	}

	msgs, _ := store.History(ctx, "u1")
	checkHistory(t, msgs)
	if len(msgs) != 1+4*turns {
		t.Errorf("history has %d messages, want %d", len(msgs), 1+4*turns)
	}
	// Each turn is contiguous: user, request, result, answer.
	for i := 1; i < len(msgs); i += 4 {
		if got := roles(msgs[i : i+4]); got != "user,tool_request,tool_result,assistant_text" {
			t.Errorf("turn at %d = %s", i, got)
		}
	}
}

func TestProcess_ModelErrorFirstTurn(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{
		errs:      map[int]error{0: &llm.APIError{Provider: "openai", StatusCode: 503, Message: "overloaded"}},
		responses: []*llm.ChatResponse{nil, textResponse("recovered")},
	}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	_, err := loop.Process(ctx, "u1", "hello?")
	var me *ModelError
	if !errors.As(err, &me) {
		t.Fatalf("err = %v, want *ModelError", err)
	}
	if me.Turn != 1 || !me.Retryable() {
		t.Errorf("ModelError = %+v, retryable %v", me, me.Retryable())
	}

	// The user's message is kept; nothing else is written.
	msgs, _ := store.History(ctx, "u1")
	if got := roles(msgs); got != "system,user" {
		t.Errorf("history after failure = %s", got)
	}

	if _, err := loop.Process(ctx, "u1", "hello again"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	msgs, _ = store.History(ctx, "u1")
	checkHistory(t, msgs)
}

func TestProcess_ModelErrorSecondTurn(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{
		errs: map[int]error{1: &llm.APIError{Provider: "openai", StatusCode: 400, Message: "bad request"}},
		responses: []*llm.ChatResponse{
			toolResponse(llm.NewToolCall("call_1", "getAvgSessionStats", `{}`)),
			nil,
		},
	}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	_, err := loop.Process(ctx, "u1", "stats")
	var me *ModelError
	if !errors.As(err, &me) || me.Turn != 2 {
		t.Fatalf("err = %v, want turn 2 ModelError", err)
	}
	if me.Retryable() {
		t.Error("a 400 should not be retryable")
	}

	msgs, _ := store.History(ctx, "u1")
	checkHistory(t, msgs)
	if got := roles(msgs); got != "system,user,tool_request,tool_result" {
		t.Errorf("history = %s", got)
	}
}

func TestProcess_RecoversOrphanedToolCalls(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	seed := []llm.Message{
		llm.SystemMessage(prompts.Instructions()),
		llm.UserMessage("stats and average"),
		llm.ToolRequestMessage([]llm.ToolCall{
			llm.NewToolCall("call_1", "getAvgSessionStats", `{}`),
			llm.NewToolCall("call_2", "getAvgTransactionAmount", `{"today":"2025-03-01","n_months":"2"}`),
		}),
		llm.ToolResultMessage("call_1", "getAvgSessionStats", `{"status":"no_data"}`),
	}
	for _, m := range seed {
		if err := store.Append(ctx, "u1", m); err != nil {
			t.Fatal(err)
		}
	}

	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("hi again")}}
	tt := newTestTools()
	loop := buildTestLoop(mock, store, tt, Config{})

	res, err := loop.Process(ctx, "u1", "hello")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.Recovered != 1 {
		t.Errorf("Recovered = %d, want 1", res.Recovered)
	}
	if len(tt.calls) != 1 || tt.calls[0].Tool != "getAvgTransactionAmount" {
		t.Errorf("recovered calls = %+v", tt.calls)
	}

	msgs, _ := store.History(ctx, "u1")
	checkHistory(t, msgs)
	if got, want := roles(msgs), "system,user,tool_request,tool_result,tool_result,user,assistant_text"; got != want {
		t.Errorf("history = %s, want %s", got, want)
	}
	if msgs[4].ToolCallID != "call_2" {
		t.Errorf("recovered result answers %q", msgs[4].ToolCallID)
	}
}

func TestProcess_ContextWindow(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{
		textResponse("1"), textResponse("2"), textResponse("3"),
	}}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{ContextMessages: 3})

	for _, q := range []string{"a", "b", "c"} {
		if _, err := loop.Process(ctx, "u1", q); err != nil {
			t.Fatal(err)
		}
	}

	sent := mock.calls[2].Messages
	if got := roles(sent); got != "system,user,assistant_text,user" {
		t.Errorf("windowed request = %s", got)
	}
	msgs, _ := store.History(ctx, "u1")
	if len(msgs) != 7 {
		t.Errorf("stored history has %d messages, want 7", len(msgs))
	}
}

func TestProcess_EmptyReplyFallback(t *testing.T) {
	ctx := context.Background()
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(llm.NewToolCall("call_1", "getAvgSessionStats", `{}`)),
		textResponse("   "),
	}}
	store := history.NewMemoryStore()
	loop := buildTestLoop(mock, store, newTestTools(), Config{})

	res, err := loop.Process(ctx, "u1", "stats")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != prompts.EmptyResponseFallback {
		t.Errorf("Reply = %q", res.Reply)
	}
	msgs, _ := store.History(ctx, "u1")
	if msgs[len(msgs)-1].Content != prompts.EmptyResponseFallback {
		t.Error("fallback reply was not persisted")
	}
}

// failingStore fails Append after a number of successful writes.
type failingStore struct {
	*history.MemoryStore
	mu      sync.Mutex
	allowed int
}

func (f *failingStore) Append(ctx context.Context, userID string, msg llm.Message) error {
	f.mu.Lock()
	if f.allowed <= 0 {
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.allowed--
	f.mu.Unlock()
	return f.MemoryStore.Append(ctx, userID, msg)
}

func TestProcess_PersistenceErrors(t *testing.T) {
	tests := []struct {
		name      string
		allowed   int
		wantOp    string
		wantCalls int
	}{
		{name: "user message", allowed: 0, wantOp: "append user message", wantCalls: 0},
		{name: "tool request", allowed: 1, wantOp: "append tool request", wantCalls: 1},
		{name: "tool result", allowed: 2, wantOp: "append tool result call_1", wantCalls: 1},
		{name: "final answer", allowed: 3, wantOp: "append assistant message", wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: []*llm.ChatResponse{
				toolResponse(llm.NewToolCall("call_1", "getAvgSessionStats", `{}`)),
				textResponse("done"),
			}}
			store := &failingStore{MemoryStore: history.NewMemoryStore(), allowed: tt.allowed}
			loop := buildTestLoop(mock, store, newTestTools(), Config{})

			_, err := loop.Process(context.Background(), "u1", "stats")
			var pe *PersistenceError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *PersistenceError", err)
			}
			if pe.Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", pe.Op, tt.wantOp)
			}
			if got := mock.callCount(); got != tt.wantCalls {
				t.Errorf("model calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestProcess_RejectsEmptyInput(t *testing.T) {
	loop := buildTestLoop(&mockLLM{}, history.NewMemoryStore(), newTestTools(), Config{})

	if _, err := loop.Process(context.Background(), "", "hi"); !errors.Is(err, history.ErrEmptyUserID) {
		t.Errorf("empty user: err = %v", err)
	}
	if _, err := loop.Process(context.Background(), "u1", "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty text: err = %v", err)
	}
}

func TestClear_WaitsForInFlightTurn(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	tt := newTestTools()

	started := make(chan struct{})
	release := make(chan struct{})
	tt.reg.Register(&tools.Tool{
		Name:        "getSessionHistory",
		Description: "slow lookup",
		Handler: func(context.Context, tools.Args) (any, error) {
			close(started)
			<-release
			return map[string]any{"sessions": 3}, nil
		},
	})

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(llm.NewToolCall("c1", "getSessionHistory", `{}`)),
		textResponse("you had 3 sessions"),
		textResponse("starting fresh"),
	}}
	loop := buildTestLoop(mock, store, tt, Config{})

	turnErr := make(chan error, 1)
	go func() {
		_, err := loop.Process(ctx, "u1", "how many sessions?")
		turnErr <- err
	}()
	<-started

	cleared := make(chan error, 1)
	go func() { cleared <- loop.Clear(ctx, "u1") }()

	select {
	case err := <-cleared:
		t.Fatalf("Clear returned (%v) while the turn was dispatching tools", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-turnErr; err != nil {
		t.Fatalf("turn: %v", err)
	}
	if err := <-cleared; err != nil {
		t.Fatalf("Clear: %v", err)
	}
	msgs, _ := store.History(ctx, "u1")
	if len(msgs) != 0 {
		t.Fatalf("history after clear = %s, want empty", roles(msgs))
	}

	if _, err := loop.Process(ctx, "u1", "hello again"); err != nil {
		t.Fatalf("turn after clear: %v", err)
	}
	msgs, _ = store.History(ctx, "u1")
	checkHistory(t, msgs)
	if got := roles(msgs); got != "system,user,assistant_text" {
		t.Errorf("history = %s", got)
	}
	checkHistory(t, mock.calls[len(mock.calls)-1].Messages)
}

func TestClear_EmptyUserID(t *testing.T) {
	loop := buildTestLoop(&mockLLM{}, history.NewMemoryStore(), newTestTools(), Config{})
	if err := loop.Clear(context.Background(), " "); !errors.Is(err, history.ErrEmptyUserID) {
		t.Errorf("Clear error = %v, want ErrEmptyUserID", err)
	}
}

func TestProcess_HistoryClearedOutsideLoop(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	tt := newTestTools()
	tt.reg.Register(&tools.Tool{
		Name:        "getSessionHistory",
		Description: "lookup that races a clear from another process",
		Handler: func(ctx context.Context, _ tools.Args) (any, error) {
			return nil, store.Clear(ctx, "u1")
		},
	})

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(llm.NewToolCall("c1", "getSessionHistory", `{}`)),
		textResponse("starting fresh"),
	}}
	loop := buildTestLoop(mock, store, tt, Config{})

	_, err := loop.Process(ctx, "u1", "how many sessions?")
	var pe *PersistenceError
	if !errors.As(err, &pe) || !errors.Is(err, history.ErrUnmatchedToolResult) {
		t.Fatalf("Process error = %v, want PersistenceError wrapping ErrUnmatchedToolResult", err)
	}
	msgs, _ := store.History(ctx, "u1")
	checkHistory(t, msgs)

	if _, err := loop.Process(ctx, "u1", "hello again"); err != nil {
		t.Fatalf("turn after clear: %v", err)
	}
	msgs, _ = store.History(ctx, "u1")
	checkHistory(t, msgs)
	checkHistory(t, mock.calls[len(mock.calls)-1].Messages)
	if got := roles(msgs); got != "system,user,assistant_text" {
		t.Errorf("history = %s", got)
	}
}
