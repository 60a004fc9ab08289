package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a persisted conversation turn.
type Message struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversation_id"`
	ExternalID      string          `json:"external_id"`
	Role            Role            `json:"role"`
	ContentRedacted string          `json:"content_redacted"`
	Metadata        MessageMetadata `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`

	// Replayed is set by an upsert that hit an already stored external id.
	Replayed bool `json:"-"`
}

// MessageMetadata is the trace data stored alongside assistant turns.
type MessageMetadata struct {
	Model              *string          `json:"model,omitempty"`
	LatencyMs          int64            `json:"latency_ms,omitempty"`
	RetrievedDocsCount int              `json:"retrieved_docs_count,omitempty"`
	RetrievedDocsTop3  []DocumentSource `json:"retrieved_docs_top3,omitempty"`
	UsedFallback       bool             `json:"used_fallback,omitempty"`
	NeedsHuman         bool             `json:"needs_human,omitempty"`
	ThresholdUsed      float64          `json:"threshold_used,omitempty"`
	Error              string           `json:"error,omitempty"`
}

// UserExternalID namespaces a client message id for the citizen turn.
func UserExternalID(clientMessageID string) string {
	return "user:" + clientMessageID
}

// AssistantExternalID namespaces a client message id for the assistant turn.
func AssistantExternalID(clientMessageID string) string {
	return "assistant:" + clientMessageID
}

// ChatRequest is the body of POST /grad/{tenantId}/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// MetaFrame is the single structured event sent at the end of a chat stream.
type MetaFrame struct {
	Model              *string          `json:"model"`
	LatencyMs          int64            `json:"latency_ms"`
	RetrievedDocsCount int              `json:"retrieved_docs_count"`
	RetrievedDocsTop3  []DocumentSource `json:"retrieved_docs_top3"`
	UsedFallback       bool             `json:"used_fallback"`
	NeedsHuman         bool             `json:"needs_human"`
	Error              string           `json:"error,omitempty"`
}
