// Package llm provides the chat message model and the language-model
// clients used by the orchestration loop.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// ToolChoice controls whether the model may request tool calls.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model answer directly or request tools.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceNone forbids tool calls; the model must answer in text.
	ToolChoiceNone ToolChoice = "none"
)

// ToolDefinition is a tool schema advertised to the model. Parameters is
// the JSON-schema object sent verbatim.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// MarshalJSON encodes the definition in the function-tool wire shape.
func (d ToolDefinition) MarshalJSON() ([]byte, error) {
	params := d.Parameters
	if len(params) == 0 {
		params = emptySchema
	}
	return json.Marshal(map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  params,
		},
	})
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ChatRequest is one model turn.
type ChatRequest struct {
	Model      string
	Messages   []Message
	Tools      []ToolDefinition
	ToolChoice ToolChoice
}

// ChatResponse is the provider-neutral result of a model turn.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string

	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Client is implemented by every model provider.
type Client interface {
	// Chat sends one chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
