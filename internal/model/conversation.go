// Package model defines data structures for the civic assistant.
package model

import (
	"time"
)

// Status is the staff-facing lifecycle state of a conversation.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// TitleSource records where a conversation title came from.
type TitleSource string

const (
	TitleSourceNone         TitleSource = ""
	TitleSourceFirstMessage TitleSource = "first_message"
	TitleSourceLLM          TitleSource = "llm"
)

// TitleMaxChars caps titles derived from the first citizen message.
const TitleMaxChars = 60

// Conversation represents a citizen conversation thread within a tenant.
type Conversation struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	ExternalID       string      `json:"external_id"`
	Status           Status      `json:"status"`
	NeedsHuman       bool        `json:"needs_human"`
	FallbackCount    int         `json:"fallback_count"`
	Category         *string     `json:"category,omitempty"`
	Department       *string     `json:"department,omitempty"`
	Urgent           bool        `json:"urgent"`
	Title            string      `json:"title"`
	Summary          string      `json:"summary"`
	TitleSource      TitleSource `json:"title_source,omitempty"`
	TitleGeneratedAt *time.Time  `json:"title_generated_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	LastMessageAt    *time.Time  `json:"last_message_at,omitempty"`
	LastActivityAt   time.Time   `json:"last_activity_at"`
	SubmittedAt      *time.Time  `json:"submitted_at,omitempty"`
}

// ConversationUpdate is a partial mutation of the escalation-related fields of
// a conversation. Nil fields are left untouched. Only the escalation state
// machine builds these.
type ConversationUpdate struct {
	NeedsHuman        *bool
	Status            *Status
	IncrementFallback bool
	SubmittedAt       *time.Time
	Department        *string
	Urgent            *bool
	Category          *string
	ActivityAt        time.Time
}

// Note is an internal staff note attached to a conversation.
type Note struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Author         string    `json:"author"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationDetail is the admin view of a conversation.
type ConversationDetail struct {
	Conversation *Conversation       `json:"conversation"`
	Messages     []Message           `json:"messages"`
	Ticket       *Ticket             `json:"ticket,omitempty"`
	Notes        []Note              `json:"notes"`
	Events       []ConversationEvent `json:"events,omitempty"`
}

// StaffUpdateRequest is the body of PATCH /admin/conversations/{id}.
type StaffUpdateRequest struct {
	Status     *Status `json:"status,omitempty"`
	NeedsHuman *bool   `json:"needs_human,omitempty"`
	Department *string `json:"department,omitempty"`
	Urgent     *bool   `json:"urgent,omitempty"`
}

// NoteRequest is the body of POST /admin/conversations/{id}/notes.
type NoteRequest struct {
	Body string `json:"body"`
}
