// Package generate produces the user-facing answer: grounded in KB chunks
// when retrieval found any, best-effort otherwise.
package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/propengine/kbengine/pkg/llm"
	"github.com/propengine/kbengine/pkg/models"
)

const groundedSystemPrompt = `You are a support assistant for a property-management platform.
Answer the user's question using only the knowledge-base excerpts provided.
Be concise and practical. If the excerpts don't fully cover the question, say
what is covered and what isn't. Do not enumerate the source documents to the
user; the sources are surfaced separately.`

const fallbackSystemPrompt = `You are a support assistant for a property-management platform.
No knowledge-base article matched the user's question. Answer helpfully from
general knowledge where you safely can, be explicit about uncertainty, and
invite the user to raise a support ticket for a definitive answer.`

const contextAnswerSystemPrompt = `You are a support assistant for a property-management platform.
Answer the user's question strictly from the conversation context provided.
If the context doesn't actually contain the answer, say so briefly.`

// Result is one generation outcome.
type Result struct {
	Text  string
	Usage llm.Usage
}

// Generator runs the response-generation LLM call.
type Generator struct {
	chat llm.Chat
}

// NewGenerator creates a generator on top of the chat boundary.
func NewGenerator(chat llm.Chat) *Generator {
	return &Generator{chat: chat}
}

// Grounded answers from KB chunks. Each chunk is presented with its source
// title and confidence annotation.
func (g *Generator) Grounded(ctx context.Context, query, contextText string, chunks []models.ScoredChunk) (Result, error) {
	var b strings.Builder
	if contextText != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", contextText)
	}
	b.WriteString("Knowledge-base excerpts:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n[%d] %s (confidence %.2f)\n%s\n", i+1, c.ParentTitle, c.Similarity, c.Content)
	}
	fmt.Fprintf(&b, "\nQuestion: %s", query)

	return g.complete(ctx, groundedSystemPrompt, b.String())
}

// Fallback answers without KB grounding.
func (g *Generator) Fallback(ctx context.Context, query, contextText string) (Result, error) {
	var b strings.Builder
	if contextText != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", contextText)
	}
	fmt.Fprintf(&b, "Question: %s", query)

	return g.complete(ctx, fallbackSystemPrompt, b.String())
}

// FromContext answers a follow-up from conversation context alone.
func (g *Generator) FromContext(ctx context.Context, query, contextText string) (Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation so far:\n%s\n\nQuestion: %s", contextText, query)

	return g.complete(ctx, contextAnswerSystemPrompt, b.String())
}

// complete runs the call. Usage is returned even on partial provider
// failure so every generation contributes exactly one usage record.
func (g *Generator) complete(ctx context.Context, system, user string) (Result, error) {
	text, usage, err := g.chat.Complete(ctx, llm.CompletionRequest{
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return Result{Usage: usage}, fmt.Errorf("response generation: %w", err)
	}
	return Result{Text: text, Usage: usage}, nil
}
