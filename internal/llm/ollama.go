package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/evchat/internal/config"
	"github.com/nugget/evchat/internal/httpkit"
)

// OllamaClient talks to a local Ollama server's /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates an Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Large models with tools need time to load and generate.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithDialRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

// Ollama encodes arguments as a JSON object rather than a string.
type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	TotalDuration   int64         `json:"total_duration"`
}

// Chat sends a non-streaming chat request. Ollama has no tool_choice
// parameter, so ToolChoiceNone is honoured by not advertising tools.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
	}
	if req.ToolChoice != ToolChoiceNone {
		body.Tools = req.Tools
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "ollama request", "model", req.Model, "body", string(data))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    httpkit.ReadErrorBody(resp.Body, 2048),
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var or ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	msg := fromOllamaMessage(or.Message)
	if msg.Kind() == KindAssistantText && req.ToolChoice != ToolChoiceNone && len(req.Tools) > 0 {
		// Some local models emit the call as JSON text instead of tool_calls.
		if calls := parseTextToolCalls(msg.Content); len(calls) > 0 {
			msg = ToolRequestMessage(calls)
		}
	}

	return &ChatResponse{
		Model:        or.Model,
		Message:      msg,
		FinishReason: or.DoneReason,
		InputTokens:  or.PromptEvalCount,
		OutputTokens: or.EvalCount,
		Duration:     time.Duration(or.TotalDuration),
	}, nil
}

// Ping checks that the Ollama server answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "ollama", StatusCode: resp.StatusCode, Message: "ping failed"}
	}
	return nil
}

func toOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, len(msgs))
	for i, m := range msgs {
		om := ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.Name}
		for _, tc := range m.ToolCalls {
			var oc ollamaToolCall
			oc.ID = tc.ID
			oc.Function.Name = tc.Function.Name
			oc.Function.Arguments = json.RawMessage(tc.Function.Arguments)
			if len(oc.Function.Arguments) == 0 || !json.Valid(oc.Function.Arguments) {
				oc.Function.Arguments = json.RawMessage("{}")
			}
			om.ToolCalls = append(om.ToolCalls, oc)
		}
		out[i] = om
	}
	return out
}

func fromOllamaMessage(m ollamaMessage) Message {
	if len(m.ToolCalls) == 0 {
		return AssistantMessage(m.Content)
	}
	calls := make([]ToolCall, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		calls[i] = NewToolCall(id, tc.Function.Name, rawArguments(tc.Function.Arguments))
	}
	return ToolRequestMessage(calls)
}

// parseTextToolCalls extracts tool calls that a model wrote into its text
// content, either as a bare object, an array, or wrapped in <tool_call>
// tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}
	if content == "" || (content[0] != '{' && content[0] != '[') {
		return nil
	}

	type textCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var list []textCall
	if err := json.Unmarshal([]byte(content), &list); err != nil {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		list = []textCall{single}
	}

	var calls []ToolCall
	for _, tc := range list {
		if tc.Name == "" {
			continue
		}
		calls = append(calls, NewToolCall("call_"+uuid.NewString(), tc.Name, rawArguments(tc.Arguments)))
	}
	return calls
}

// rawArguments turns an Ollama argument value into the string form used
// everywhere else. Objects are kept byte-for-byte; an argument already
// encoded as a JSON string is unwrapped once.
func rawArguments(raw json.RawMessage) string {
	args := strings.TrimSpace(string(raw))
	switch {
	case args == "" || args == "null":
		return "{}"
	case args[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && json.Valid([]byte(s)) {
			return s
		}
	}
	return args
}
