package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/store"
	"github.com/capitalize-ai/civic-assistant/pkg/metrics"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(\+\d{3} ?|\b0)\d{1,2}[ /\-]?\d{3}[ \-]?\d{3,4}\b`)
)

// Redact masks e-mail addresses and phone numbers before storage.
func Redact(content string) string {
	content = emailPattern.ReplaceAllString(content, "[email]")
	return phonePattern.ReplaceAllString(content, "[phone]")
}

// MessagePersister stores chat turns idempotently.
type MessagePersister struct {
	store store.DataStore
}

// NewMessagePersister creates a message persister.
func NewMessagePersister(s store.DataStore) *MessagePersister {
	return &MessagePersister{store: s}
}

// PersistUser stores the citizen turn under "user:<messageID>". The first
// citizen message also titles an untitled conversation.
func (p *MessagePersister) PersistUser(ctx context.Context, conv *model.Conversation, tenantID, messageID, content string) (*model.Message, error) {
	redacted := Redact(content)

	msg, err := p.store.UpsertMessage(ctx, &model.Message{
		ConversationID:  conv.ID,
		ExternalID:      model.UserExternalID(messageID),
		Role:            model.RoleUser,
		ContentRedacted: redacted,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert user message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(tenantID, string(model.RoleUser)).Inc()

	if conv.Title == "" && conv.TitleSource != model.TitleSourceLLM {
		title := FirstMessageTitle(redacted)
		if err := p.store.SetFirstMessageTitle(ctx, conv.ID, title); err != nil {
			return msg, fmt.Errorf("set first message title: %w", err)
		}
		conv.Title = title
		conv.TitleSource = model.TitleSourceFirstMessage
	}

	return msg, nil
}

// PersistAssistant stores the assistant turn under "assistant:<messageID>".
func (p *MessagePersister) PersistAssistant(ctx context.Context, conv *model.Conversation, tenantID, messageID, content string, meta model.MessageMetadata) (*model.Message, error) {
	msg, err := p.store.UpsertMessage(ctx, &model.Message{
		ConversationID:  conv.ID,
		ExternalID:      model.AssistantExternalID(messageID),
		Role:            model.RoleAssistant,
		ContentRedacted: content,
		Metadata:        meta,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert assistant message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(tenantID, string(model.RoleAssistant)).Inc()
	return msg, nil
}

// FirstMessageTitle derives a title from a citizen message.
func FirstMessageTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	return store.TruncateRunes(title, model.TitleMaxChars)
}
