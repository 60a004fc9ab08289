// Package store provides persistence for tenants, conversations, messages,
// documents, tickets and knowledge gaps.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/civic-assistant/internal/model"
)

// DataStore defines the persistence operations used by the chat pipeline.
// Both PostgresStore and MemoryStore implement this interface.
//
// Lookups return (nil, nil) when nothing matches.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Tenant operations
	GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error)
	GetTenantByCode(ctx context.Context, code string) (*model.Tenant, error)

	// Conversation operations
	GetConversation(ctx context.Context, tenantID, externalID string) (*model.Conversation, error)
	GetConversationByID(ctx context.Context, tenantID, id string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, tenantID, externalID string, now time.Time) (*model.Conversation, error)
	TouchConversation(ctx context.Context, id string, now time.Time) error
	UpdateConversation(ctx context.Context, id string, update *model.ConversationUpdate) (*model.Conversation, error)
	SetFirstMessageTitle(ctx context.Context, id, title string) error
	SetSummary(ctx context.Context, id, title, summary string, source model.TitleSource, generatedAt *time.Time) error

	// Message operations
	UpsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	CountMessages(ctx context.Context, conversationID string) (user int, total int, err error)

	// Notes
	AddNote(ctx context.Context, note *model.Note) (*model.Note, error)
	ListNotes(ctx context.Context, conversationID string) ([]model.Note, error)

	// Document search
	SearchDocuments(ctx context.Context, tenantID string, embedding []float32, threshold float64, topK int) ([]model.RetrievedDocument, error)

	// Tickets and knowledge gaps
	UpsertTicket(ctx context.Context, upsert *model.TicketUpsert) (*model.Ticket, error)
	GetTicket(ctx context.Context, conversationID string) (*model.Ticket, error)
	UpsertKnowledgeGap(ctx context.Context, tenantID, conversationID, question string, reason model.GapReason, now time.Time) (*model.KnowledgeGap, error)
}

// NormalizeQuestion is the grouping key for knowledge gaps.
func NormalizeQuestion(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// FormatTicketRef renders a tenant-scoped ticket reference.
func FormatTicketRef(tenantCode string, year int, seq int64) string {
	code := strings.ToUpper(tenantCode)
	if code == "" {
		code = "TKT"
	}
	return fmt.Sprintf("%s-%d-%05d", code, year, seq)
}

// TruncateRunes shortens s to at most n runes.
func TruncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ErrNotFound is returned by writes that target a missing row.
var ErrNotFound = errors.New("not found")
