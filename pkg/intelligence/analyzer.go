// Package intelligence performs the single LLM call that collapses query
// analysis, routing, and search-query enhancement into one round-trip.
package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/propengine/kbengine/pkg/llm"
	"github.com/propengine/kbengine/pkg/models"
)

const systemPrompt = `You analyse one user query for a knowledge-base support assistant.
Decide whether the query is a follow-up, whether it can be answered from the
conversation context alone, whether it targets a document already cited in the
conversation, and produce an enhanced form of the query suitable for semantic
search. Respond with JSON only.

Routing rules:
- "answer_from_context": only when the conversation context alone fully answers
  the query.
- "search_kb_targeted": only when the query clearly refers to one of the
  documents listed as previously cited.
- "full_rag": in every other case.`

// verdictSchema is the JSON schema the provider is asked to honour.
var verdictSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"is_followup":             map[string]any{"type": "boolean"},
		"can_answer_from_context": map[string]any{"type": "boolean"},
		"matched_related_doc":     map[string]any{"type": []string{"string", "null"}},
		"routing": map[string]any{
			"type": "string",
			"enum": []string{"answer_from_context", "search_kb_targeted", "full_rag"},
		},
		"enhanced_query": map[string]any{"type": "string"},
		"category":       map[string]any{"type": "string"},
		"intent":         map[string]any{"type": "string"},
		"tags":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{
		"is_followup", "can_answer_from_context", "matched_related_doc",
		"routing", "enhanced_query", "category", "intent", "tags",
	},
}

// Input is everything the intelligence call sees.
type Input struct {
	Query          string
	ClassifiedType models.QueryType
	// FormattedContext is the conversation context string; empty for new
	// sessions.
	FormattedContext string
	// PriorSourceTitles are the KB titles cited by earlier assistant
	// turns; a targeted-search verdict must name one of them.
	PriorSourceTitles []string
	// ContextErrorOnly is true when the context consists solely of prior
	// error/apology assistant turns.
	ContextErrorOnly bool
}

// Analyzer runs and validates the query-intelligence call.
type Analyzer struct {
	chat llm.Chat
}

// NewAnalyzer creates an analyzer on top of the chat boundary.
func NewAnalyzer(chat llm.Chat) *Analyzer {
	return &Analyzer{chat: chat}
}

// rawVerdict is the wire shape before validation.
type rawVerdict struct {
	IsFollowup           bool     `json:"is_followup"`
	CanAnswerFromContext bool     `json:"can_answer_from_context"`
	MatchedRelatedDoc    *string  `json:"matched_related_doc"`
	Routing              string   `json:"routing"`
	EnhancedQuery        string   `json:"enhanced_query"`
	Category             string   `json:"category"`
	Intent               string   `json:"intent"`
	Tags                 []string `json:"tags"`
}

// Analyze performs the call and returns a validated verdict. Invalid or
// malformed model output is not an error: the conservative fallback
// verdict is returned as a value, flagged so metrics can count it. The
// returned usage reflects the raw call and must be recorded either way.
// A non-nil error is only returned for transport failures (the caller
// still records the usage and proceeds with the fallback verdict).
func (a *Analyzer) Analyze(ctx context.Context, in Input) (models.Verdict, llm.Usage, error) {
	userMsg := buildUserMessage(in)

	text, usage, err := a.chat.Complete(ctx, llm.CompletionRequest{
		System:         systemPrompt,
		Messages:       []llm.Message{{Role: "user", Content: userMsg}},
		JSONSchemaName: "query_verdict",
		JSONSchema:     verdictSchema,
	})
	if err != nil {
		return models.FallbackVerdict(in.Query), usage, fmt.Errorf("query intelligence: %w", err)
	}

	verdict, ok := validate(text, in)
	if !ok {
		slog.Warn("Query intelligence output rejected, using fallback verdict",
			"routing_raw", truncate(text, 200))
		return models.FallbackVerdict(in.Query), usage, nil
	}
	return verdict, usage, nil
}

func buildUserMessage(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", in.Query)
	fmt.Fprintf(&b, "Classifier type: %s\n", in.ClassifiedType)
	if in.FormattedContext != "" {
		fmt.Fprintf(&b, "\nConversation context:\n%s\n", in.FormattedContext)
	} else {
		b.WriteString("\nConversation context: (none)\n")
	}
	if len(in.PriorSourceTitles) > 0 {
		fmt.Fprintf(&b, "\nPreviously cited documents: %s\n", strings.Join(in.PriorSourceTitles, "; "))
	}
	return b.String()
}

// validate enforces the routing rules the model must honour. Violations
// reject the verdict wholesale rather than patching individual fields,
// except the enhanced query, which is substituted when empty.
func validate(text string, in Input) (models.Verdict, bool) {
	var raw rawVerdict
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return models.Verdict{}, false
	}

	routing := models.Routing(raw.Routing)
	if !routing.Valid() {
		return models.Verdict{}, false
	}

	matched := ""
	if raw.MatchedRelatedDoc != nil {
		matched = strings.TrimSpace(*raw.MatchedRelatedDoc)
	}

	switch routing {
	case models.RouteAnswerFromContext:
		if !raw.CanAnswerFromContext || in.FormattedContext == "" || in.ContextErrorOnly {
			return models.Verdict{}, false
		}
	case models.RouteSearchKBTargeted:
		if matched == "" || !containsTitle(in.PriorSourceTitles, matched) {
			return models.Verdict{}, false
		}
	}

	enhanced := strings.TrimSpace(raw.EnhancedQuery)
	if enhanced == "" {
		enhanced = in.Query
	}

	return models.Verdict{
		IsFollowup:           raw.IsFollowup,
		CanAnswerFromContext: raw.CanAnswerFromContext,
		MatchedRelatedDoc:    matched,
		Routing:              routing,
		EnhancedQuery:        enhanced,
		Category:             strings.TrimSpace(raw.Category),
		Intent:               strings.TrimSpace(raw.Intent),
		Tags:                 raw.Tags,
	}, true
}

func containsTitle(titles []string, want string) bool {
	for _, t := range titles {
		if strings.EqualFold(strings.TrimSpace(t), want) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
