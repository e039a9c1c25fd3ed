package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role is the author of a chat message.
type Role string

// Chat roles in the OpenAI wire vocabulary.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Kind distinguishes the message variants that share a role. An assistant
// message is either free text or a tool request, never both.
type Kind int

const (
	KindInvalid Kind = iota
	KindSystem
	KindUser
	KindAssistantText
	KindToolRequest
	KindToolResult
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindUser:
		return "user"
	case KindAssistantText:
		return "assistant_text"
	case KindToolRequest:
		return "tool_request"
	case KindToolResult:
		return "tool_result"
	default:
		return "invalid"
	}
}

// Message is one entry in a conversation. Use the constructors rather than
// populating fields directly so each variant carries exactly the fields it
// needs.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set only on assistant tool-request messages.
	ToolCalls []ToolCall

	// ToolCallID and Name are set only on tool-result messages.
	ToolCallID string
	Name       string
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments exactly as the
// model produced them. Arguments is a JSON document encoded as a string
// and is never re-serialized, so the persisted request echoes the model's
// bytes.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCall builds a function-type tool call.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: arguments}}
}

// DecodeArguments parses the argument payload into a map. An empty payload
// decodes to an empty map.
func (tc ToolCall) DecodeArguments() (map[string]any, error) {
	args := map[string]any{}
	if tc.Function.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)
	}
	return args, nil
}

// SystemMessage returns a system instruction message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage returns a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns a final assistant answer.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolRequestMessage returns an assistant message that requests calls. Its
// content is always null on the wire.
func ToolRequestMessage(calls []ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: calls}
}

// ToolResultMessage returns the result of one tool call.
func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}

// Kind classifies the message.
func (m Message) Kind() Kind {
	switch m.Role {
	case RoleSystem:
		return KindSystem
	case RoleUser:
		return KindUser
	case RoleAssistant:
		if len(m.ToolCalls) > 0 {
			return KindToolRequest
		}
		return KindAssistantText
	case RoleTool:
		return KindToolResult
	default:
		return KindInvalid
	}
}

// Validate checks that the fields required by the message's kind are
// present and that no field belonging to another kind is set.
func (m Message) Validate() error {
	switch m.Kind() {
	case KindSystem, KindUser:
		if m.ToolCallID != "" || m.Name != "" {
			return fmt.Errorf("%s message must not carry tool result fields", m.Role)
		}
		return nil
	case KindAssistantText:
		if m.ToolCallID != "" {
			return errors.New("assistant message must not carry tool_call_id")
		}
		return nil
	case KindToolRequest:
		if m.Content != "" {
			return errors.New("tool request message must have null content")
		}
		seen := make(map[string]bool, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			if tc.ID == "" {
				return fmt.Errorf("tool call %d has no id", i)
			}
			if seen[tc.ID] {
				return fmt.Errorf("duplicate tool call id %q", tc.ID)
			}
			seen[tc.ID] = true
			if tc.Function.Name == "" {
				return fmt.Errorf("tool call %s has no function name", tc.ID)
			}
			if tc.Type != "" && tc.Type != "function" {
				return fmt.Errorf("tool call %s has unsupported type %q", tc.ID, tc.Type)
			}
		}
		return nil
	case KindToolResult:
		if m.ToolCallID == "" {
			return errors.New("tool result message has no tool_call_id")
		}
		if len(m.ToolCalls) > 0 {
			return errors.New("tool result message must not carry tool calls")
		}
		return nil
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
}

// CallIDs returns the ids of a tool request's calls in order.
func (m Message) CallIDs() []string {
	ids := make([]string, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		ids[i] = tc.ID
	}
	return ids
}

// wireMessage is the OpenAI chat-completions JSON shape.
type wireMessage struct {
	Role       Role       `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// MarshalJSON encodes the message in the OpenAI chat shape. Tool requests
// encode "content": null.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if m.Kind() == KindToolRequest {
		w.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			if tc.Type == "" {
				tc.Type = "function"
			}
			w.ToolCalls[i] = tc
		}
	} else {
		content := m.Content
		w.Content = &content
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the OpenAI chat shape. A null content decodes to
// the empty string. Content forwarded by tool-request messages is dropped.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Role:       w.Role,
		ToolCalls:  w.ToolCalls,
		ToolCallID: w.ToolCallID,
		Name:       w.Name,
	}
	if w.Content != nil && len(w.ToolCalls) == 0 {
		m.Content = *w.Content
	}
	return nil
}
