package history

import "github.com/nugget/evchat/internal/llm"

// Window returns the messages sent to the model for one request: every
// system message plus at most max of the most recent other messages.
// The cut never lands between a tool request and its results, and the
// window never opens on a tool result. max <= 0 disables windowing.
//
// The stored history is not modified; this only bounds request size.
func Window(msgs []llm.Message, max int) []llm.Message {
	if max <= 0 {
		return msgs
	}

	var system, rest []llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= max {
		return msgs
	}

	start := len(rest) - max
	for start > 0 && rest[start].Role == llm.RoleTool {
		start--
	}

	out := make([]llm.Message, 0, len(system)+len(rest)-start)
	out = append(out, system...)
	return append(out, rest[start:]...)
}
