package model

import (
	"time"
)

// TicketStatus is the lifecycle state of a support ticket.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusClosed     TicketStatus = "closed"
)

// Ticket is the support record for an escalated conversation. There is at
// most one ticket per conversation.
type Ticket struct {
	ConversationID  string       `json:"conversation_id"`
	TenantID        string       `json:"tenant_id"`
	Status          TicketStatus `json:"status"`
	Department      *string      `json:"department,omitempty"`
	Urgent          bool         `json:"urgent"`
	ContactName     *string      `json:"contact_name,omitempty"`
	ContactPhone    *string      `json:"contact_phone,omitempty"`
	ContactEmail    *string      `json:"contact_email,omitempty"`
	ContactLocation *string      `json:"contact_location,omitempty"`
	ContactNote     *string      `json:"contact_note,omitempty"`
	Description     *string      `json:"description,omitempty"`
	ConsentAt       *time.Time   `json:"consent_at,omitempty"`
	TicketRef       string       `json:"ticket_ref"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// TicketUpsert carries the fields written by one ticket upsert. Nil fields
// keep their stored value.
type TicketUpsert struct {
	ConversationID  string
	TenantID        string
	TenantCode      string
	Status          *TicketStatus
	Department      *string
	Urgent          *bool
	ContactName     *string
	ContactPhone    *string
	ContactEmail    *string
	ContactLocation *string
	ContactNote     *string
	Description     *string
	ConsentAt       *time.Time
	Now             time.Time
}

// GapReason explains why a question was recorded as a knowledge gap.
type GapReason string

const (
	GapReasonNoSources GapReason = "no_sources"
)

// KnowledgeGap is a recurring citizen question that retrieval could not ground.
type KnowledgeGap struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	Question       string    `json:"question"`
	Occurrences    int       `json:"occurrences"`
	Reason         GapReason `json:"reason"`
	Status         string    `json:"status"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}
