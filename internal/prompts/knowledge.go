package prompts

import (
	"fmt"
	"strings"
)

// KnowledgeUnknown is the answer given when retrieval finds nothing.
const KnowledgeUnknown = "I don't know. The EV knowledge base has no information on that topic."

const knowledgeAnswerTemplate = `You are a helpful assistant. Use the following context to answer the question.
If the context does not contain the answer, say you don't know. Do not use outside knowledge.

Context:
%s

Question:
%s`

// KnowledgeAnswer returns the prompt that asks the model to answer
// question from the retrieved passages. Passages are separated by a rule
// so the model can tell them apart.
func KnowledgeAnswer(passages []string, question string) string {
	return fmt.Sprintf(knowledgeAnswerTemplate, strings.Join(passages, "\n\n---\n\n"), strings.TrimSpace(question))
}
