package orchestrator

import (
	"fmt"
	"strings"

	"github.com/propengine/kbengine/pkg/models"
)

// FormatContext renders the session context into the single string both
// LLM calls see: the rolling summary (if any) followed by the recent
// messages, each with a role prefix. Assistant turns carry a source
// attribution line so follow-up routing can target previously cited
// documents. Nothing beyond what the user supplied in content is
// included.
func FormatContext(sc models.SessionContext) string {
	if sc.Summary == nil && len(sc.Recent) == 0 {
		return ""
	}

	var b strings.Builder
	if sc.Summary != nil && sc.Summary.Text != "" {
		fmt.Fprintf(&b, "Summary of earlier conversation: %s\n\n", sc.Summary.Text)
	}
	for _, m := range sc.Recent {
		switch m.Role {
		case models.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", m.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
			if m.Metadata != nil && len(m.Metadata.SourceTitles) > 0 {
				fmt.Fprintf(&b, "[sources: %s]\n", strings.Join(m.Metadata.SourceTitles, "; "))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// PriorSourceTitles collects the distinct KB titles cited by assistant
// turns in the context window, oldest first.
func PriorSourceTitles(sc models.SessionContext) []string {
	seen := make(map[string]struct{})
	var titles []string
	for _, m := range sc.Recent {
		if m.Role != models.RoleAssistant || m.Metadata == nil {
			continue
		}
		for _, t := range m.Metadata.SourceTitles {
			key := strings.ToLower(strings.TrimSpace(t))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			titles = append(titles, t)
		}
	}
	return titles
}

var apologyMarkers = []string{
	"i couldn't find",
	"i could not find",
	"i'm not able to",
	"i am not able to",
	"i'm sorry",
	"i apologize",
	"i apologise",
	"something went wrong",
	"raise a support ticket",
}

// ContextErrorOnly reports whether every assistant turn in the window is
// an error/apology. Such context must not be the sole basis of an
// answer-from-context route.
func ContextErrorOnly(sc models.SessionContext) bool {
	sawAssistant := false
	for _, m := range sc.Recent {
		if m.Role != models.RoleAssistant {
			continue
		}
		sawAssistant = true
		if !looksApologetic(m.Content) {
			return false
		}
	}
	return sawAssistant
}

func looksApologetic(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range apologyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
