package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantName  string
		wantArgs  string
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "plain text", content: "You spent $42.10 in March.", wantCount: 0},
		{
			name:      "single object",
			content:   `{"name": "getMaxTransactions", "arguments": {"n_highest": "3"}}`,
			wantCount: 1,
			wantName:  "getMaxTransactions",
			wantArgs:  `{"n_highest": "3"}`,
		},
		{
			name:      "array",
			content:   `[{"name": "getAvgSessionStats", "arguments": {}}, {"name": "getMonthlyUsageTrends", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "getAvgSessionStats",
			wantArgs:  `{}`,
		},
		{
			name:      "tagged with preamble",
			content:   `Checking. <tool_call>{"name": "getMostEfficientMonth", "arguments": {"n_months": "6"}}</tool_call>`,
			wantCount: 1,
			wantName:  "getMostEfficientMonth",
			wantArgs:  `{"n_months": "6"}`,
		},
		{
			name:      "missing arguments",
			content:   `{"name": "getAvgSessionStats"}`,
			wantCount: 1,
			wantName:  "getAvgSessionStats",
			wantArgs:  `{}`,
		},
		{name: "malformed", content: `{"name": "getAvgSessionStats", "arguments": {`, wantCount: 0},
		{name: "object without name", content: `{"total": 12.5}`, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseTextToolCalls(tt.content)
			if len(calls) != tt.wantCount {
				t.Fatalf("got %d calls, want %d", len(calls), tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			if calls[0].Function.Name != tt.wantName {
				t.Errorf("name = %q, want %q", calls[0].Function.Name, tt.wantName)
			}
			if calls[0].Function.Arguments != tt.wantArgs {
				t.Errorf("arguments = %q, want %q", calls[0].Function.Arguments, tt.wantArgs)
			}
			if !strings.HasPrefix(calls[0].ID, "call_") {
				t.Errorf("id = %q, want synthesized call_ prefix", calls[0].ID)
			}
		})
	}
}

func TestRawArguments(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{``, `{}`},
		{`null`, `{}`},
		{`{"b":2,"a":1}`, `{"b":2,"a":1}`},
		{`"{\"a\":1}"`, `{"a":1}`},
		{`"not json"`, `"not json"`},
	}
	for _, tt := range tests {
		if got := rawArguments(json.RawMessage(tt.in)); got != tt.want {
			t.Errorf("rawArguments(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func newOllamaServer(t *testing.T, handler func(t *testing.T, req ollamaRequest) string) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, handler(t, req))
	}))
	t.Cleanup(srv.Close)
	return NewOllamaClient(srv.URL, discardLogger())
}

func TestOllamaChat_ToolCallsGetIDs(t *testing.T) {
	client := newOllamaServer(t, func(t *testing.T, req ollamaRequest) string {
		if len(req.Tools) != 1 {
			t.Errorf("tools advertised = %d, want 1", len(req.Tools))
		}
		return `{"model":"llama3.1","done":true,"prompt_eval_count":12,"eval_count":3,
			"message":{"role":"assistant","content":"","tool_calls":[
				{"function":{"name":"getAvgTransactionAmount","arguments":{"today":"2024-06-01","n_months":"4"}}}]}}`
	})

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:      "llama3.1",
		Messages:   []Message{UserMessage("average for last 4 months?")},
		Tools:      []ToolDefinition{{Name: "getAvgTransactionAmount", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: ToolChoiceAuto,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Kind() != KindToolRequest {
		t.Fatalf("kind = %v, want tool request", resp.Message.Kind())
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID == "" {
		t.Error("tool call id not synthesized")
	}
	if tc.Function.Arguments != `{"today":"2024-06-01","n_months":"4"}` {
		t.Errorf("arguments = %s", tc.Function.Arguments)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 12/3", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChat_ToolChoiceNoneOmitsTools(t *testing.T) {
	client := newOllamaServer(t, func(t *testing.T, req ollamaRequest) string {
		if len(req.Tools) != 0 {
			t.Errorf("tools advertised with tool_choice none: %d", len(req.Tools))
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		return `{"model":"llama3.1","done":true,"message":{"role":"assistant","content":"{\"name\": \"getAvgSessionStats\"}"}}`
	})

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:      "llama3.1",
		Messages:   []Message{UserMessage("hi")},
		Tools:      []ToolDefinition{{Name: "getAvgSessionStats"}},
		ToolChoice: ToolChoiceNone,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	// With tools forbidden, JSON-looking text stays text.
	if resp.Message.Kind() != KindAssistantText {
		t.Errorf("kind = %v, want assistant text", resp.Message.Kind())
	}
}

func TestOllamaChat_SendsToolHistory(t *testing.T) {
	client := newOllamaServer(t, func(t *testing.T, req ollamaRequest) string {
		if len(req.Messages) != 3 || len(req.Messages[1].ToolCalls) != 1 {
			t.Errorf("unexpected message shape: %+v", req.Messages)
			return `{"done":true,"message":{"role":"assistant","content":""}}`
		}
		call := req.Messages[1].ToolCalls[0]
		if string(call.Function.Arguments) != `{"n_highest":"2"}` {
			t.Errorf("arguments sent as %s, want object", call.Function.Arguments)
		}
		if req.Messages[2].ToolName != "getMaxTransactions" {
			t.Errorf("tool_name = %q", req.Messages[2].ToolName)
		}
		return `{"model":"llama3.1","done":true,"message":{"role":"assistant","content":"Your top two were $30 and $25."}}`
	})

	_, err := client.Chat(context.Background(), ChatRequest{
		Model: "llama3.1",
		Messages: []Message{
			UserMessage("top two?"),
			ToolRequestMessage([]ToolCall{NewToolCall("c1", "getMaxTransactions", `{"n_highest":"2"}`)}),
			ToolResultMessage("c1", "getMaxTransactions", `[{"amount":30},{"amount":25}]`),
		},
		ToolChoice: ToolChoiceNone,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestOllamaChat_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not loaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, discardLogger())
	_, err := client.Chat(context.Background(), ChatRequest{Model: "x", Messages: []Message{UserMessage("hi")}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || !IsRetryable(err) {
		t.Errorf("status %d retryable=%v", apiErr.StatusCode, IsRetryable(err))
	}
}
