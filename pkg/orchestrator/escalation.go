package orchestrator

import (
	"strings"

	"github.com/propengine/kbengine/pkg/models"
)

// Canned escalation prompts, one per reason. The client pairs these with
// requires_escalation to offer the create-ticket affordance.
const (
	promptNoResults = "I couldn't find this in our knowledge base. Would you like me to " +
		"raise a support ticket so someone can follow up with a definitive answer?"
	promptLowConfidence = "I'm not fully confident this covers your question. Would you " +
		"like me to raise a support ticket so someone can confirm?"
	promptUserRequested = "Of course - I can get a person to help with this. Would you " +
		"like me to raise a support ticket now?"
)

// escalationPrompt returns the canned prompt for a reason; empty when the
// reason carries no prompt.
func escalationPrompt(reason models.EscalationReason) string {
	switch reason {
	case models.EscalationNoResults:
		return promptNoResults
	case models.EscalationLowConfidence:
		return promptLowConfidence
	case models.EscalationUserRequested:
		return promptUserRequested
	}
	return ""
}

// userRequestedEscalation matches the query against the configured phrase
// list. The check runs right after classification and short-circuits the
// intelligence call.
func userRequestedEscalation(query string, phrases []string) bool {
	lower := strings.ToLower(query)
	for _, phrase := range phrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

var greetingReplies = []string{
	"Hi there! How can I help you today?",
	"Hello! What can I help you with?",
	"Hi! Ask me anything about the platform and I'll do my best to help.",
}

// greetingReply picks a canned greeting deterministically from the query
// so tests are stable.
func greetingReply(query string) string {
	sum := 0
	for _, r := range query {
		sum += int(r)
	}
	return greetingReplies[sum%len(greetingReplies)]
}
