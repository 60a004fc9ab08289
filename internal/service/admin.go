package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/store"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

// MaxNoteChars bounds a staff note.
const MaxNoteChars = 4000

// AdminService serves the staff view of conversations within one city.
type AdminService struct {
	store      store.DataStore
	escalation *EscalationMachine
	events     EventReader
	logger     *logger.Logger
	now        func() time.Time
}

// NewAdminService creates the admin service. events may be nil.
func NewAdminService(s store.DataStore, escalation *EscalationMachine, events EventReader, log *logger.Logger) *AdminService {
	return &AdminService{
		store:      s,
		escalation: escalation,
		events:     events,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Detail returns a conversation with its messages, ticket, notes and, when
// available, its audit trail.
func (s *AdminService) Detail(ctx context.Context, tenantID, id string) (*model.ConversationDetail, error) {
	conv, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	ticket, err := s.store.GetTicket(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	notes, err := s.store.ListNotes(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}

	detail := &model.ConversationDetail{
		Conversation: conv,
		Messages:     messages,
		Ticket:       ticket,
		Notes:        notes,
	}
	if detail.Messages == nil {
		detail.Messages = []model.Message{}
	}
	if detail.Notes == nil {
		detail.Notes = []model.Note{}
	}

	if s.events != nil {
		events, err := s.events.ListEvents(ctx, tenantID, conv.ID, 200)
		if err != nil {
			s.logger.Warn("audit trail unavailable", zap.String("conversation_id", conv.ID), zap.Error(err))
		} else {
			detail.Events = events
		}
	}
	return detail, nil
}

// Update applies a staff edit through the escalation state machine.
func (s *AdminService) Update(ctx context.Context, tenantID, id, actor string, req *model.StaffUpdateRequest) (*model.Conversation, error) {
	conv, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.escalation.StaffEdit(ctx, conv, req, actor)
}

// AddNote appends an internal staff note and refreshes the conversation's
// activity time.
func (s *AdminService) AddNote(ctx context.Context, tenantID, id, author string, req *model.NoteRequest) (*model.Note, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, &model.ValidationError{Field: "body", Reason: "is required"}
	}
	if len([]rune(body)) > MaxNoteChars {
		return nil, &model.ValidationError{Field: "body", Reason: fmt.Sprintf("exceeds %d characters", MaxNoteChars)}
	}

	conv, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	note, err := s.store.AddNote(ctx, &model.Note{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Author:         author,
		Body:           body,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID, now); err != nil {
		s.logger.Warn("failed to touch conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return note, nil
}

func (s *AdminService) get(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	// Conversation ids are UUIDs; anything else cannot exist.
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrConversationNotFound
	}
	conv, err := s.store.GetConversationByID(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}
