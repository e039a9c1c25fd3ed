package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageKind(t *testing.T) {
	tests := []struct {
		msg  Message
		want Kind
	}{
		{SystemMessage("rules"), KindSystem},
		{UserMessage("hi"), KindUser},
		{AssistantMessage("hello"), KindAssistantText},
		{ToolRequestMessage([]ToolCall{NewToolCall("c1", "getAvgSessionStats", "{}")}), KindToolRequest},
		{ToolResultMessage("c1", "getAvgSessionStats", `{"avg":1}`), KindToolResult},
		{Message{Role: "narrator"}, KindInvalid},
	}
	for _, tt := range tests {
		if got := tt.msg.Kind(); got != tt.want {
			t.Errorf("%+v Kind() = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{name: "user ok", msg: UserMessage("hi")},
		{name: "empty assistant ok", msg: AssistantMessage("")},
		{name: "tool request ok", msg: ToolRequestMessage([]ToolCall{NewToolCall("c1", "f", `{"a":1}`)})},
		{name: "tool result ok", msg: ToolResultMessage("c1", "f", "{}")},
		{name: "unknown role", msg: Message{Role: "bot"}, wantErr: "unknown role"},
		{name: "result without id", msg: ToolResultMessage("", "f", "{}"), wantErr: "no tool_call_id"},
		{
			name:    "request with content",
			msg:     Message{Role: RoleAssistant, Content: "thinking", ToolCalls: []ToolCall{NewToolCall("c1", "f", "{}")}},
			wantErr: "null content",
		},
		{
			name:    "call without id",
			msg:     ToolRequestMessage([]ToolCall{NewToolCall("", "f", "{}")}),
			wantErr: "no id",
		},
		{
			name:    "duplicate ids",
			msg:     ToolRequestMessage([]ToolCall{NewToolCall("c1", "f", "{}"), NewToolCall("c1", "g", "{}")}),
			wantErr: "duplicate",
		},
		// Malformed arguments are kept verbatim; the tool reports them.
		{name: "bad arguments kept", msg: ToolRequestMessage([]ToolCall{NewToolCall("c1", "f", "{oops")})},
		{name: "user with tool id", msg: Message{Role: RoleUser, ToolCallID: "c1"}, wantErr: "tool result fields"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestMessageJSON_ToolRequestHasNullContent(t *testing.T) {
	msg := ToolRequestMessage([]ToolCall{{ID: "call_1", Function: FunctionCall{Name: "getMaxTransactions", Arguments: `{"n_highest":"3"}`}}})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"getMaxTransactions","arguments":"{\"n_highest\":\"3\"}"}}]}`
	if string(data) != want {
		t.Errorf("marshal =\n%s\nwant\n%s", data, want)
	}
	if msg.ToolCalls[0].Type != "" {
		t.Error("MarshalJSON mutated the caller's tool calls")
	}
}

func TestMessageJSON_TextKinds(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{UserMessage("hi"), `{"role":"user","content":"hi"}`},
		{AssistantMessage(""), `{"role":"assistant","content":""}`},
		{ToolResultMessage("c1", "getAvgSessionStats", `{"status":"no_data"}`), `{"role":"tool","content":"{\"status\":\"no_data\"}","tool_call_id":"c1","name":"getAvgSessionStats"}`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.msg)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != tt.want {
			t.Errorf("marshal = %s, want %s", data, tt.want)
		}
	}
}

func TestMessageJSON_Unmarshal(t *testing.T) {
	var msg Message
	in := `{"role":"assistant","content":null,"tool_calls":[{"id":"c9","type":"function","function":{"name":"getAvgSessionStats","arguments":"{}"}}]}`
	if err := json.Unmarshal([]byte(in), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Kind() != KindToolRequest || msg.Content != "" || msg.ToolCalls[0].ID != "c9" {
		t.Errorf("unexpected message %+v", msg)
	}

	var text Message
	if err := json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &text); err != nil {
		t.Fatal(err)
	}
	if text.Kind() != KindAssistantText || text.Content != "" {
		t.Errorf("null content decoded as %+v", text)
	}
}

func TestToolCallArgumentsRoundTrip(t *testing.T) {
	// Field order, spacing and number formatting must survive persistence.
	args := `{"today": "2024-06-01",  "n_months":"4", "extra": 1.50}`
	msg := ToolRequestMessage([]ToolCall{NewToolCall("c1", "getAvgTransactionAmount", args)})

	data, err := json.Marshal([]Message{msg})
	if err != nil {
		t.Fatal(err)
	}
	var back []Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	again, err := json.Marshal(back)
	if err != nil {
		t.Fatal(err)
	}

	if back[0].ToolCalls[0].Function.Arguments != args {
		t.Errorf("arguments = %q, want %q", back[0].ToolCalls[0].Function.Arguments, args)
	}
	if string(again) != string(data) {
		t.Errorf("re-encoded bytes differ:\n%s\n%s", data, again)
	}
}

func TestDecodeArguments(t *testing.T) {
	tc := NewToolCall("c1", "f", `{"n_months":"6","user_id":"u"}`)
	args, err := tc.DecodeArguments()
	if err != nil {
		t.Fatal(err)
	}
	if args["n_months"] != "6" {
		t.Errorf("n_months = %v", args["n_months"])
	}

	empty, err := NewToolCall("c2", "f", "").DecodeArguments()
	if err != nil || len(empty) != 0 {
		t.Errorf("empty arguments = %v, %v", empty, err)
	}

	if _, err := NewToolCall("c3", "f", "[1,2]").DecodeArguments(); err == nil {
		t.Error("array arguments should fail to decode")
	}
}

func TestToolDefinitionJSON(t *testing.T) {
	def := ToolDefinition{
		Name:        "getMaxTransactions",
		Description: "Largest transactions",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"n_highest":{"type":"string"}},"required":["n_highest"]}`),
	}
	data, err := json.Marshal(def)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"function":{"description":"Largest transactions","name":"getMaxTransactions","parameters":{"type":"object","properties":{"n_highest":{"type":"string"}},"required":["n_highest"]}},"type":"function"}`
	if string(data) != want {
		t.Errorf("marshal =\n%s\nwant\n%s", data, want)
	}
}
