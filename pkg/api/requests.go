package api

import "github.com/propengine/kbengine/pkg/models"

// MaxMessageLength is the inclusive upper bound on query text.
const MaxMessageLength = 4000

// AgentQueryRequest is the HTTP request body for POST /api/agent/:flavour/.
type AgentQueryRequest struct {
	Message   string           `json:"message"`
	SessionID string           `json:"session_id,omitempty"`
	UserInfo  *models.UserInfo `json:"user_info,omitempty"`
}

// EndSessionRequest is the HTTP request body for POST /api/sessions/end.
type EndSessionRequest struct {
	SessionID string `json:"session_id"`
}

// FeedbackRequest is the HTTP request body for POST /api/feedback/.
type FeedbackRequest struct {
	SessionID    string           `json:"session_id"`
	MessageIndex int              `json:"message_index"`
	Helpful      *bool            `json:"helpful"`
	Comment      string           `json:"comment,omitempty"`
	UserInfo     *models.UserInfo `json:"user_info,omitempty"`
}

// FailureRequest is the HTTP request body for POST /api/agent-failure/.
type FailureRequest struct {
	SessionID string `json:"session_id,omitempty"`
	QueryText string `json:"query_text"`
	Reason    string `json:"reason"`
}
