// Package history persists the ordered message log of each user's
// conversation.
//
// A conversation is stored as a whole: one record per user holding the
// JSON-encoded message sequence. Every mutation is a read-modify-write
// that is serialized per user, so concurrent appends for one user never
// lose a message while different users proceed independently.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/evchat/internal/llm"
)

// ErrEmptyUserID is returned when a store operation gets no user id.
var ErrEmptyUserID = errors.New("history: empty user id")

// ErrUnmatchedToolResult is returned when a tool result does not answer a
// pending call of the trailing tool request, for example because the
// history was cleared while the call ran.
var ErrUnmatchedToolResult = errors.New("history: tool result has no pending request")

// ErrMisplacedSystem is returned when a system message is appended to a
// non-empty history. The system message is always first and unique; use
// EnsureSystem to add it.
var ErrMisplacedSystem = errors.New("history: system message must be first and unique")

// Store is a per-user conversation log.
type Store interface {
	// Append normalizes msg and adds it to the end of the user's history.
	// A system message is only accepted as the first message and a tool
	// result only for a pending call of the trailing tool request.
	Append(ctx context.Context, userID string, msg llm.Message) error

	// History returns the user's messages oldest first, or an empty
	// slice when the user has none.
	History(ctx context.Context, userID string) ([]llm.Message, error)

	// EnsureSystem prepends a system message with content unless the
	// persisted history already holds one. It reports whether it inserted.
	EnsureSystem(ctx context.Context, userID, content string) (bool, error)

	// Clear deletes the user's history.
	Clear(ctx context.Context, userID string) error

	// Users lists user ids that have a stored history.
	Users(ctx context.Context) ([]string, error)
}

// Normalize converts an append payload into a message.
//
// A structured payload (an llm.Message, a map or a JSON object) is taken
// as-is, with role filled in when it has none. Anything else is wrapped as
// {role, content}. An assistant message carrying tool calls always ends up
// with null content.
func Normalize(role llm.Role, content any) (llm.Message, error) {
	var msg llm.Message

	switch c := content.(type) {
	case llm.Message:
		msg = c
	case *llm.Message:
		if c == nil {
			return llm.Message{}, errors.New("history: nil message")
		}
		msg = *c
	case string:
		msg = llm.Message{Role: role, Content: c}
	case map[string]any:
		raw, err := json.Marshal(c)
		if err != nil {
			return llm.Message{}, fmt.Errorf("history: encode structured content: %w", err)
		}
		if !looksLikeMessage(c) {
			// A plain data object becomes the message body.
			msg = llm.Message{Role: role, Content: string(raw)}
			break
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return llm.Message{}, fmt.Errorf("history: decode structured content: %w", err)
		}
	case json.RawMessage:
		if err := json.Unmarshal(c, &msg); err != nil {
			return llm.Message{}, fmt.Errorf("history: decode structured content: %w", err)
		}
	case nil:
		msg = llm.Message{Role: role}
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return llm.Message{}, fmt.Errorf("history: encode content: %w", err)
		}
		msg = llm.Message{Role: role, Content: string(raw)}
	}

	if msg.Role == "" {
		msg.Role = role
	}
	if msg.Kind() == llm.KindToolRequest {
		msg.Content = ""
	}
	if err := msg.Validate(); err != nil {
		return llm.Message{}, fmt.Errorf("history: %w", err)
	}
	return msg, nil
}

func looksLikeMessage(m map[string]any) bool {
	for _, k := range []string{"role", "content", "tool_calls", "tool_call_id"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// AppendContent normalizes (role, content) and appends the result.
func AppendContent(ctx context.Context, s Store, userID string, role llm.Role, content any) error {
	msg, err := Normalize(role, content)
	if err != nil {
		return err
	}
	return s.Append(ctx, userID, msg)
}

// checkAppend rejects msg when it would break the single leading system
// message of msgs or answer a call that is not pending.
func checkAppend(msgs []llm.Message, msg llm.Message) error {
	switch msg.Role {
	case llm.RoleSystem:
		if len(msgs) > 0 {
			return ErrMisplacedSystem
		}
	case llm.RoleTool:
		for _, tc := range PendingToolCalls(msgs) {
			if tc.ID == msg.ToolCallID {
				return nil
			}
		}
		return fmt.Errorf("%w: %q", ErrUnmatchedToolResult, msg.ToolCallID)
	}
	return nil
}

// HasSystem reports whether msgs contains a system message.
func HasSystem(msgs []llm.Message) bool {
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			return true
		}
	}
	return false
}

// withSystem returns msgs with a system message first, or nil when one is
// already present.
func withSystem(msgs []llm.Message, content string) []llm.Message {
	if HasSystem(msgs) {
		return nil
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.SystemMessage(content))
	return append(out, msgs...)
}

// PendingToolCalls returns the calls of a trailing tool request that have
// no result yet, in request order. It returns nil when the history does
// not end in an incomplete tool exchange.
func PendingToolCalls(msgs []llm.Message) []llm.ToolCall {
	req := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleTool {
			continue
		}
		if msgs[i].Kind() == llm.KindToolRequest {
			req = i
		}
		break
	}
	if req < 0 {
		return nil
	}

	answered := make(map[string]bool)
	for _, m := range msgs[req+1:] {
		answered[m.ToolCallID] = true
	}

	var pending []llm.ToolCall
	for _, tc := range msgs[req].ToolCalls {
		if !answered[tc.ID] {
			pending = append(pending, tc)
		}
	}
	return pending
}

func encode(msgs []llm.Message) (string, error) {
	if msgs == nil {
		msgs = []llm.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(data), nil
}

func decode(data string) ([]llm.Message, error) {
	if data == "" {
		return []llm.Message{}, nil
	}
	var msgs []llm.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if msgs == nil {
		msgs = []llm.Message{}
	}
	return msgs, nil
}
