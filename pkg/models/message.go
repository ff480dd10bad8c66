// Package models contains request/response models and business domain types.
package models

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a session's conversation log.
type Message struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata is recorded on assistant messages only.
type MessageMetadata struct {
	// Titles of the KB documents the answer was grounded in.
	SourceTitles []string `json:"source_titles,omitempty"`
	// Best similarity score of the retrieval that backed the answer.
	Confidence float64 `json:"confidence,omitempty"`
	// Per-query cost summary at the time the answer was produced.
	Cost *CostBreakdown `json:"cost,omitempty"`
}
