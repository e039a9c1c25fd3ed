package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when no embedding model is configured.
const DefaultOpenAIModel = "text-embedding-3-small"

// maxOpenAIBatch is the number of inputs sent per request.
const maxOpenAIBatch = 256

// OpenAI generates embeddings with the OpenAI embeddings endpoint or a
// compatible server.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI wraps an existing go-openai client.
func NewOpenAI(client *openai.Client, model string) *OpenAI {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{client: client, model: model}
}

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += maxOpenAIBatch {
		end := min(start+maxOpenAIBatch, len(texts))

		resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(o.model),
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		for _, d := range resp.Data {
			i := start + d.Index
			if d.Index < 0 || i >= end {
				return nil, fmt.Errorf("embedding index %d out of range", d.Index)
			}
			out[i] = d.Embedding
		}
	}

	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return out, nil
}
