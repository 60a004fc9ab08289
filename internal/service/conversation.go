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

// ConversationStore resolves conversations by their client-supplied id.
type ConversationStore struct {
	store  store.DataStore
	logger *logger.Logger
	now    func() time.Time
}

// NewConversationStore creates a conversation store.
func NewConversationStore(s store.DataStore, log *logger.Logger) *ConversationStore {
	return &ConversationStore{
		store:  s,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ResolveOrCreate returns the conversation for (tenantID, externalID),
// refreshing its activity timestamps, or creates an open one. A failed lookup
// is logged and treated as a miss; message-level idempotency still guards
// against duplicate turns.
func (c *ConversationStore) ResolveOrCreate(ctx context.Context, tenantID, externalID string) (*model.Conversation, error) {
	now := c.now()

	conv, err := c.store.GetConversation(ctx, tenantID, externalID)
	if err != nil {
		c.logger.Warn("conversation lookup failed, creating",
			zap.String("tenant_id", tenantID),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		metrics.RecordPersistenceFailure("conversation_lookup")
		conv = nil
	}

	if conv != nil {
		if err := c.store.TouchConversation(ctx, conv.ID, now); err != nil {
			c.logger.Warn("failed to touch conversation",
				zap.String("conversation_id", conv.ID),
				zap.Error(err),
			)
			metrics.RecordPersistenceFailure("conversation_touch")
		} else {
			conv.LastActivityAt = now
			conv.UpdatedAt = now
		}
		return conv, nil
	}

	conv, err = c.store.CreateConversation(ctx, tenantID, externalID, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	metrics.ConversationsTotal.WithLabelValues(tenantID).Inc()

	c.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("tenant_id", tenantID),
	)
	return conv, nil
}

// Get returns a conversation scoped to tenantID.
func (c *ConversationStore) Get(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	conv, err := c.store.GetConversationByID(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}
