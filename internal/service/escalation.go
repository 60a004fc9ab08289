package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/store"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
	"github.com/capitalize-ai/civic-assistant/pkg/metrics"
)

// Escalation triggers, used as metric labels and event reasons.
const (
	TriggerTicketIntent = "ticket_intent"
	TriggerIntake       = "intake"
	TriggerStaff        = "staff"
)

// EscalationMachine is the only writer of a conversation's needs_human,
// fallback_count and status fields. Each transition is published to the
// audit trail.
type EscalationMachine struct {
	store     store.DataStore
	publisher EventPublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewEscalationMachine creates an escalation state machine.
func NewEscalationMachine(s store.DataStore, publisher EventPublisher, log *logger.Logger) *EscalationMachine {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &EscalationMachine{
		store:     s,
		publisher: publisher,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TicketIntent escalates after the intent gate matched. Status is left for
// staff to advance.
func (m *EscalationMachine) TicketIntent(ctx context.Context, conv *model.Conversation, phrase string) (*model.Conversation, error) {
	updated, err := m.apply(ctx, conv, &model.ConversationUpdate{
		NeedsHuman: boolPtr(true),
	})
	if err != nil {
		return nil, err
	}
	if !conv.NeedsHuman {
		metrics.Escalations.WithLabelValues(TriggerTicketIntent).Inc()
	}
	m.publish(ctx, updated, model.EventTypeEscalated, TriggerTicketIntent, map[string]any{
		"phrase": phrase,
	})
	return updated, nil
}

// Fallback records a zero-retrieval turn. It never escalates; an unescalated
// conversation has needs_human written back as false.
func (m *EscalationMachine) Fallback(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	update := &model.ConversationUpdate{IncrementFallback: true}
	if !conv.NeedsHuman {
		update.NeedsHuman = boolPtr(false)
	}
	updated, err := m.apply(ctx, conv, update)
	if err != nil {
		return nil, err
	}
	m.publish(ctx, updated, model.EventTypeFallback, "no_sources", map[string]any{
		"fallback_count": updated.FallbackCount,
	})
	return updated, nil
}

// IntakeSubmitted escalates after a completed intake form and reopens the
// conversation.
func (m *EscalationMachine) IntakeSubmitted(ctx context.Context, conv *model.Conversation, form *model.IntakeForm, category *string) (*model.Conversation, error) {
	now := m.now()
	update := &model.ConversationUpdate{
		NeedsHuman:  boolPtr(true),
		Status:      statusPtr(model.StatusOpen),
		SubmittedAt: &now,
		Category:    category,
	}
	if form.Department != "" {
		update.Department = &form.Department
	}
	if form.Urgent {
		update.Urgent = boolPtr(true)
	}

	updated, err := m.apply(ctx, conv, update)
	if err != nil {
		return nil, err
	}
	if !conv.NeedsHuman {
		metrics.Escalations.WithLabelValues(TriggerIntake).Inc()
	}
	m.publish(ctx, updated, model.EventTypeIntakeSubmitted, TriggerIntake, nil)
	return updated, nil
}

// ErrorReset forces needs_human to false after a failed turn.
func (m *EscalationMachine) ErrorReset(ctx context.Context, conv *model.Conversation, reason string) (*model.Conversation, error) {
	updated, err := m.apply(ctx, conv, &model.ConversationUpdate{
		NeedsHuman: boolPtr(false),
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, updated, model.EventTypeErrorReset, reason, nil)
	return updated, nil
}

// Categorize records a client-supplied category.
func (m *EscalationMachine) Categorize(ctx context.Context, conv *model.Conversation, category string) (*model.Conversation, error) {
	return m.apply(ctx, conv, &model.ConversationUpdate{Category: &category})
}

// StaffEdit applies an edit made by city staff.
func (m *EscalationMachine) StaffEdit(ctx context.Context, conv *model.Conversation, req *model.StaffUpdateRequest, actor string) (*model.Conversation, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, &model.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *req.Status)}
	}

	updated, err := m.apply(ctx, conv, &model.ConversationUpdate{
		NeedsHuman: req.NeedsHuman,
		Status:     req.Status,
		Department: req.Department,
		Urgent:     req.Urgent,
	})
	if err != nil {
		return nil, err
	}
	if !conv.NeedsHuman && updated.NeedsHuman {
		metrics.Escalations.WithLabelValues(TriggerStaff).Inc()
	}

	changes := map[string]any{"actor": actor}
	if req.Status != nil {
		changes["status"] = *req.Status
	}
	if req.NeedsHuman != nil {
		changes["needs_human"] = *req.NeedsHuman
	}
	if req.Department != nil {
		changes["department"] = *req.Department
	}
	if req.Urgent != nil {
		changes["urgent"] = *req.Urgent
	}
	m.publish(ctx, updated, model.EventTypeStaffEdit, TriggerStaff, changes)
	return updated, nil
}

func (m *EscalationMachine) apply(ctx context.Context, conv *model.Conversation, update *model.ConversationUpdate) (*model.Conversation, error) {
	update.ActivityAt = m.now()
	updated, err := m.store.UpdateConversation(ctx, conv.ID, update)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	return updated, nil
}

func (m *EscalationMachine) publish(ctx context.Context, conv *model.Conversation, eventType model.EventType, reason string, meta map[string]any) {
	_, err := m.publisher.PublishEvent(ctx, &model.ConversationEvent{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Type:           eventType,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      m.now(),
	})
	if err != nil {
		m.logger.Warn("failed to publish conversation event",
			zap.String("conversation_id", conv.ID),
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
}

func boolPtr(b bool) *bool { return &b }

func statusPtr(s model.Status) *model.Status { return &s }
