// Package service implements the citizen chat pipeline: tenant resolution,
// conversation and message persistence, the escalation state machine,
// ticket and knowledge-gap bookkeeping, streaming orchestration, event
// ingestion and background summarization.
package service

import (
	"context"
	"errors"

	"github.com/capitalize-ai/civic-assistant/internal/model"
)

var (
	// ErrTenantNotFound is returned when a city identifier matches no tenant.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrConversationNotFound is returned for conversations outside the caller's tenant.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrCompletionFailed marks a failed completion-service call.
	ErrCompletionFailed = errors.New("completion failed")
)

// EventPublisher records conversation audit events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// EventReader replays a conversation's audit events.
type EventReader interface {
	ListEvents(ctx context.Context, tenantID, conversationID string, limit int) ([]model.ConversationEvent, error)
}

// NopPublisher discards events. It is used when NATS is not configured.
type NopPublisher struct{}

// PublishEvent implements EventPublisher.
func (NopPublisher) PublishEvent(context.Context, *model.ConversationEvent) (uint64, error) {
	return 0, nil
}

// FrameSink receives the framed chat stream. *sse.Writer implements it.
type FrameSink interface {
	Data(text string) error
	Event(name string, payload any) error
	Done() error
}

// Fixed citizen-facing texts.
const (
	FallbackText = "Nemam dovoljno službenih informacija da bih pouzdano odgovorio. Možete li pojasniti pitanje?"
	ApologyText  = "Došlo je do pogreške. Molimo pokušajte ponovno."
)
