package model

import (
	"time"
)

// EventType represents the type of conversation audit event.
type EventType string

const (
	EventTypeFallback        EventType = "fallback"
	EventTypeEscalated       EventType = "escalated"
	EventTypeIntakeSubmitted EventType = "intake_submitted"
	EventTypeErrorReset      EventType = "error_reset"
	EventTypeStaffEdit       EventType = "staff_edit"
	EventTypeTicketUpserted  EventType = "ticket_upserted"
	EventTypeKnowledgeGap    EventType = "knowledge_gap"
	EventTypeTelemetry       EventType = "telemetry"
)

// ConversationEvent is one entry of a conversation's audit trail.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	TenantID       string         `json:"tenant_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}
