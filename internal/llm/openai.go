package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/evchat/internal/config"
)

// OpenAIConfig holds the settings shared by every go-openai backed client
// (chat, embeddings, speech).
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // empty uses api.openai.com; any compatible endpoint works
	Organization string
	HTTPClient   *http.Client
}

// NewOpenAISDK builds the underlying go-openai client.
func NewOpenAISDK(cfg OpenAIConfig) *openai.Client {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	c.OrgID = cfg.Organization
	if cfg.HTTPClient != nil {
		c.HTTPClient = cfg.HTTPClient
	}
	return openai.NewClientWithConfig(c)
}

// OpenAIClient talks to the OpenAI chat completions API.
type OpenAIClient struct {
	api    *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates an OpenAI chat client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	return &OpenAIClient{api: NewOpenAISDK(cfg), logger: logger}
}

// Chat sends one chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	apiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		apiReq.Tools = toOpenAITools(req.Tools)
		if req.ToolChoice != "" {
			apiReq.ToolChoice = string(req.ToolChoice)
		}
	}

	c.logger.Log(ctx, config.LevelTrace, "openai request",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(apiReq.Tools),
		"tool_choice", req.ToolChoice,
	)

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, convertOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &APIError{Provider: "openai", StatusCode: http.StatusBadGateway, Message: "response has no choices"}
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Model:        resp.Model,
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}

	c.logger.Log(ctx, config.LevelTrace, "openai response",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)

	return out, nil
}

// Ping lists models to verify credentials and reachability.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return convertOpenAIError(err)
	}
	return nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		if m.Kind() == KindToolRequest {
			om.Content = ""
			om.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				om.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(defs []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, d := range defs {
		params := d.Parameters
		if len(params) == 0 {
			params = emptySchema
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	if len(m.ToolCalls) == 0 {
		return AssistantMessage(m.Content)
	}
	calls := make([]ToolCall, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		calls[i] = NewToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
	}
	return ToolRequestMessage(calls)
}

// convertOpenAIError maps go-openai errors onto APIError so retry
// decisions do not depend on the SDK's types.
func convertOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := fmt.Sprintf("%v", reqErr.Err)
		return &APIError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return fmt.Errorf("openai: %w", err)
}
