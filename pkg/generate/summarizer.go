package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/propengine/kbengine/pkg/llm"
	"github.com/propengine/kbengine/pkg/models"
)

const summarySystemPrompt = `You maintain a rolling summary of a support conversation.
Merge the previous summary with the new messages into one short summary that
preserves the user's goals, facts established, and documents already cited.
Keep it under 150 words. Respond with the summary text only.`

// Summarizer regenerates the rolling summary from the previous summary
// plus the messages since.
type Summarizer struct {
	chat llm.Chat
}

// NewSummarizer creates a summarizer on top of the chat boundary.
func NewSummarizer(chat llm.Chat) *Summarizer {
	return &Summarizer{chat: chat}
}

// Summarize produces the new rolling-summary text.
func (s *Summarizer) Summarize(ctx context.Context, previous string, recent []models.Message) (string, llm.Usage, error) {
	var b strings.Builder
	if previous != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", previous)
	}
	b.WriteString("New messages:\n")
	for _, m := range recent {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	text, usage, err := s.chat.Complete(ctx, llm.CompletionRequest{
		System:   summarySystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return "", usage, fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(text), usage, nil
}
