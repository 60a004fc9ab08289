package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/store"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

// IngestResult is the response body of the event ingestion endpoint.
type IngestResult struct {
	OK             bool   `json:"ok"`
	TicketRef      string `json:"ticket_ref,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// EventService handles client events: message telemetry, ticket updates and
// intake submissions.
type EventService struct {
	tenants       *TenantResolver
	conversations *ConversationStore
	escalation    *EscalationMachine
	tickets       *TicketUpserter
	store         store.DataStore
	publisher     EventPublisher
	logger        *logger.Logger
}

// NewEventService creates an event ingestion service.
func NewEventService(
	tenants *TenantResolver,
	conversations *ConversationStore,
	escalation *EscalationMachine,
	tickets *TicketUpserter,
	s store.DataStore,
	publisher EventPublisher,
	log *logger.Logger,
) *EventService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &EventService{
		tenants:       tenants,
		conversations: conversations,
		escalation:    escalation,
		tickets:       tickets,
		store:         s,
		publisher:     publisher,
		logger:        log,
	}
}

// Ingest decodes and applies one event body.
func (s *EventService) Ingest(ctx context.Context, tenantIdentifier string, body []byte) (*IngestResult, error) {
	event, err := model.DecodeIngestEvent(body)
	if err != nil {
		return nil, err
	}

	tenant, err := s.tenants.Resolve(ctx, tenantIdentifier)
	if err != nil {
		return nil, err
	}

	switch e := event.(type) {
	case *model.MessageEvent:
		return s.telemetry(ctx, tenant, e)
	case *model.TicketUpdateEvent:
		return s.ticketUpdate(ctx, tenant, e)
	case *model.IntakeSubmittedEvent:
		return s.intake(ctx, tenant, e)
	default:
		return nil, &model.ValidationError{Field: "type", Reason: "unsupported event type"}
	}
}

// telemetry records a client message event on the audit trail only; message
// rows are written by the chat endpoint.
func (s *EventService) telemetry(ctx context.Context, tenant *model.Tenant, e *model.MessageEvent) (*IngestResult, error) {
	conv, err := s.store.GetConversation(ctx, tenant.ID, e.ConversationID)
	if err != nil || conv == nil {
		s.logger.Debug("telemetry for unknown conversation",
			zap.String("tenant_id", tenant.ID),
			zap.String("external_id", e.ConversationID),
			zap.Error(err),
		)
		return &IngestResult{OK: true}, nil
	}

	if _, err := s.publisher.PublishEvent(ctx, &model.ConversationEvent{
		ConversationID: conv.ID,
		TenantID:       tenant.ID,
		Type:           model.EventTypeTelemetry,
		Reason:         string(e.Kind()),
		Metadata: map[string]any{
			"message_id": e.MessageID,
			"role":       e.Role,
			"length":     len([]rune(e.Content)),
		},
	}); err != nil {
		s.logger.Warn("failed to publish telemetry", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return &IngestResult{OK: true}, nil
}

func (s *EventService) ticketUpdate(ctx context.Context, tenant *model.Tenant, e *model.TicketUpdateEvent) (*IngestResult, error) {
	conv, err := s.conversations.ResolveOrCreate(ctx, tenant.ID, e.ConversationID)
	if err != nil {
		return nil, err
	}

	if e.Category != nil && *e.Category != "" {
		if updated, err := s.escalation.Categorize(ctx, conv, *e.Category); err != nil {
			s.logger.Warn("failed to set category", zap.String("conversation_id", conv.ID), zap.Error(err))
		} else {
			conv = updated
		}
	}

	ticket, err := s.tickets.Fields(ctx, tenant, conv, &e.Ticket, string(e.Kind()))
	if err != nil {
		return nil, err
	}
	return &IngestResult{OK: true, TicketRef: ticket.TicketRef}, nil
}

// intake escalates the conversation and stores the citizen's contact details.
func (s *EventService) intake(ctx context.Context, tenant *model.Tenant, e *model.IntakeSubmittedEvent) (*IngestResult, error) {
	conv, err := s.conversations.ResolveOrCreate(ctx, tenant.ID, e.ConversationID)
	if err != nil {
		return nil, err
	}

	updated, err := s.escalation.IntakeSubmitted(ctx, conv, e.Intake, e.Category)
	if err != nil {
		return nil, fmt.Errorf("escalate intake: %w", err)
	}

	ticket, err := s.tickets.Intake(ctx, tenant, updated, e.Intake)
	if err != nil {
		return nil, err
	}

	s.logger.Info("intake submitted",
		zap.String("tenant_id", tenant.ID),
		zap.String("conversation_id", updated.ID),
		zap.String("ticket_ref", ticket.TicketRef),
	)
	return &IngestResult{OK: true, TicketRef: ticket.TicketRef, ConversationID: e.ConversationID}, nil
}
