package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/store"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

// TicketUpserter keeps one support ticket per escalated conversation and
// groups unanswered questions into knowledge gaps.
type TicketUpserter struct {
	store     store.DataStore
	publisher EventPublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewTicketUpserter creates a ticket and knowledge-gap upserter.
func NewTicketUpserter(s store.DataStore, publisher EventPublisher, log *logger.Logger) *TicketUpserter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &TicketUpserter{
		store:     s,
		publisher: publisher,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open ensures a ticket exists for the conversation without changing
// existing fields.
func (u *TicketUpserter) Open(ctx context.Context, tenant *model.Tenant, conv *model.Conversation, reason string) (*model.Ticket, error) {
	return u.upsert(ctx, tenant, conv, &model.TicketUpsert{}, reason)
}

// Intake writes the contact details of a submitted intake form.
func (u *TicketUpserter) Intake(ctx context.Context, tenant *model.Tenant, conv *model.Conversation, form *model.IntakeForm) (*model.Ticket, error) {
	now := u.now()
	up := &model.TicketUpsert{
		Status:          ticketStatusPtr(model.TicketStatusOpen),
		ContactName:     optional(form.Name),
		ContactPhone:    optional(form.Phone),
		ContactEmail:    optional(form.Email),
		ContactLocation: optional(form.Location),
		ContactNote:     optional(form.Note),
		Description:     optional(form.Description),
		Department:      optional(form.Department),
		Urgent:          boolPtr(form.Urgent),
	}
	if form.ConsentGiven {
		up.ConsentAt = &now
	}
	return u.upsert(ctx, tenant, conv, up, TriggerIntake)
}

// Fields applies a partial ticket update sent by the client.
func (u *TicketUpserter) Fields(ctx context.Context, tenant *model.Tenant, conv *model.Conversation, fields *model.TicketFields, reason string) (*model.Ticket, error) {
	return u.upsert(ctx, tenant, conv, &model.TicketUpsert{
		Status:          fields.Status,
		Department:      fields.Department,
		Urgent:          fields.Urgent,
		ContactName:     fields.Name,
		ContactPhone:    fields.Phone,
		ContactEmail:    fields.Email,
		ContactLocation: fields.Location,
		ContactNote:     fields.Note,
	}, reason)
}

// KnowledgeGap records an unanswered question for the tenant. The question is
// redacted before it is stored or published. Repeats of the same question
// (case-insensitive, trimmed) increment its occurrences.
func (u *TicketUpserter) KnowledgeGap(ctx context.Context, conv *model.Conversation, question string) (*model.KnowledgeGap, error) {
	question = strings.TrimSpace(Redact(question))
	gap, err := u.store.UpsertKnowledgeGap(ctx, conv.TenantID, conv.ID, question, model.GapReasonNoSources, u.now())
	if err != nil {
		return nil, fmt.Errorf("upsert knowledge gap: %w", err)
	}
	u.publish(ctx, conv, model.EventTypeKnowledgeGap, string(gap.Reason), map[string]any{
		"question":    gap.Question,
		"occurrences": gap.Occurrences,
	})
	return gap, nil
}

func (u *TicketUpserter) upsert(ctx context.Context, tenant *model.Tenant, conv *model.Conversation, up *model.TicketUpsert, reason string) (*model.Ticket, error) {
	up.ConversationID = conv.ID
	up.TenantID = tenant.ID
	up.TenantCode = tenant.Code
	up.Now = u.now()

	ticket, err := u.store.UpsertTicket(ctx, up)
	if err != nil {
		return nil, fmt.Errorf("upsert ticket: %w", err)
	}
	u.publish(ctx, conv, model.EventTypeTicketUpserted, reason, map[string]any{
		"ticket_ref": ticket.TicketRef,
		"status":     ticket.Status,
	})
	return ticket, nil
}

func (u *TicketUpserter) publish(ctx context.Context, conv *model.Conversation, eventType model.EventType, reason string, meta map[string]any) {
	if _, err := u.publisher.PublishEvent(ctx, &model.ConversationEvent{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Type:           eventType,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      u.now(),
	}); err != nil {
		u.logger.Warn("failed to publish conversation event",
			zap.String("conversation_id", conv.ID),
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func ticketStatusPtr(s model.TicketStatus) *model.TicketStatus { return &s }
