package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/evchat/internal/embeddings"
	"github.com/nugget/evchat/internal/llm"
	"github.com/nugget/evchat/internal/prompts"
	"github.com/nugget/evchat/internal/tools"
)

// DefaultTopK is the number of passages given to the model.
const DefaultTopK = 3

// Retriever answers questions from the knowledge base.
type Retriever struct {
	store    *Store
	embedder embeddings.Embedder
	llm      llm.Client
	model    string
	topK     int
	logger   *slog.Logger
}

// NewRetriever creates a Retriever that answers with model.
func NewRetriever(store *Store, embedder embeddings.Embedder, client llm.Client, model string, topK int, logger *slog.Logger) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		llm:      client,
		model:    model,
		topK:     topK,
		logger:   logger,
	}
}

// Passages returns the stored chunks closest to question.
func (r *Retriever) Passages(ctx context.Context, question string) ([]Result, error) {
	vecs, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors", len(vecs))
	}
	return r.store.Search(ctx, vecs[0], r.topK)
}

// Retrieve answers question from the closest passages. When nothing is
// stored it returns prompts.KnowledgeUnknown without calling the model.
func (r *Retriever) Retrieve(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", &tools.ErrInvalidArgument{Field: "query", Reason: "must not be empty"}
	}

	results, err := r.Passages(ctx, question)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		r.logger.Debug("knowledge search found nothing", "question", question)
		return prompts.KnowledgeUnknown, nil
	}

	passages := make([]string, len(results))
	for i, res := range results {
		if res.Heading != "" {
			passages[i] = fmt.Sprintf("[%s: %s]\n%s", res.Source, res.Heading, res.Content)
		} else {
			passages[i] = fmt.Sprintf("[%s]\n%s", res.Source, res.Content)
		}
	}

	resp, err := r.llm.Chat(ctx, llm.ChatRequest{
		Model:      r.model,
		Messages:   []llm.Message{llm.UserMessage(prompts.KnowledgeAnswer(passages, question))},
		ToolChoice: llm.ToolChoiceNone,
	})
	if err != nil {
		return "", fmt.Errorf("answer from knowledge: %w", err)
	}

	answer := strings.TrimSpace(resp.Message.Content)
	if answer == "" {
		return prompts.KnowledgeUnknown, nil
	}
	r.logger.Debug("knowledge answered", "passages", len(results), "top_score", results[0].Score)
	return answer, nil
}

// RegisterTool adds retrieveEVKnowledge to reg.
func RegisterTool(reg *tools.Registry, r *Retriever) {
	reg.Register(&tools.Tool{
		Name:        "retrieveEVKnowledge",
		Description: "Answer a general electric-vehicle question (charging types, connectors, station technology) from the EV knowledge base.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The user's question, in natural language.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			q, err := args.String("query")
			if err != nil {
				return nil, err
			}
			return r.Retrieve(ctx, q)
		},
	})
}
