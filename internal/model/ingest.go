package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks request payloads rejected at the boundary.
var ErrValidation = errors.New("validation failed")

// ValidationError describes the first invalid field of a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IngestType is the discriminator of an event ingestion request.
type IngestType string

const (
	IngestMessage         IngestType = "message"
	IngestTicketUpdate    IngestType = "ticket_update"
	IngestContactSubmit   IngestType = "contact_submit"
	IngestIntakeSubmitted IngestType = "ticket_intake_submitted"
)

// IngestEvent is one decoded body of POST /grad/{tenantId}/events.
type IngestEvent interface {
	Kind() IngestType
	Conversation() string
}

// MessageEvent is client telemetry about a rendered message. It is never
// persisted as a message row.
type MessageEvent struct {
	Type           IngestType `json:"type"`
	ConversationID string     `json:"conversationId" validate:"required,max=128"`
	MessageID      string     `json:"messageId" validate:"omitempty,max=128"`
	Role           Role       `json:"role" validate:"omitempty,oneof=user assistant"`
	Content        string     `json:"content" validate:"omitempty,max=32768"`
}

func (e *MessageEvent) Kind() IngestType     { return IngestMessage }
func (e *MessageEvent) Conversation() string { return e.ConversationID }

// TicketFields are the ticket attributes a client may send.
type TicketFields struct {
	Status     *TicketStatus `json:"status,omitempty" validate:"omitempty,oneof=open in_progress closed"`
	Department *string       `json:"department,omitempty" validate:"omitempty,max=128"`
	Urgent     *bool         `json:"urgent,omitempty"`
	Name       *string       `json:"name,omitempty" validate:"omitempty,max=200"`
	Phone      *string       `json:"phone,omitempty" validate:"omitempty,max=40"`
	Email      *string       `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Location   *string       `json:"location,omitempty" validate:"omitempty,max=500"`
	Note       *string       `json:"note,omitempty" validate:"omitempty,max=4000"`
}

// TicketUpdateEvent covers both ticket_update and contact_submit.
type TicketUpdateEvent struct {
	Type           IngestType   `json:"type"`
	ConversationID string       `json:"conversationId" validate:"required,max=128"`
	Ticket         TicketFields `json:"ticket"`
	Category       *string      `json:"category,omitempty" validate:"omitempty,max=128"`
}

func (e *TicketUpdateEvent) Kind() IngestType     { return e.Type }
func (e *TicketUpdateEvent) Conversation() string { return e.ConversationID }

// IntakeForm is the citizen-submitted support request.
type IntakeForm struct {
	Name         string `json:"name" validate:"required,max=200"`
	Description  string `json:"description" validate:"required,max=4000"`
	ConsentGiven bool   `json:"consent_given" validate:"required"`
	Phone        string `json:"phone" validate:"omitempty,max=40"`
	Email        string `json:"email" validate:"omitempty,email,max=254"`
	Location     string `json:"location" validate:"omitempty,max=500"`
	Note         string `json:"note" validate:"omitempty,max=4000"`
	Department   string `json:"department" validate:"omitempty,max=128"`
	Urgent       bool   `json:"urgent"`
}

// IntakeSubmittedEvent is a completed intake form.
type IntakeSubmittedEvent struct {
	Type           IngestType  `json:"type"`
	ConversationID string      `json:"conversationId" validate:"required,max=128"`
	Intake         *IntakeForm `json:"intake" validate:"required"`
	Category       *string     `json:"category,omitempty" validate:"omitempty,max=128"`
}

func (e *IntakeSubmittedEvent) Kind() IngestType     { return IngestIntakeSubmitted }
func (e *IntakeSubmittedEvent) Conversation() string { return e.ConversationID }

var ingestValidate = validator.New()

// DecodeIngestEvent reads the discriminator and decodes the body into the
// matching event type, rejecting payloads that miss required fields.
func DecodeIngestEvent(data []byte) (IngestEvent, error) {
	var envelope struct {
		Type IngestType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ValidationError{Reason: "invalid request body"}
	}

	var event IngestEvent
	switch envelope.Type {
	case IngestMessage:
		event = &MessageEvent{}
	case IngestTicketUpdate, IngestContactSubmit:
		event = &TicketUpdateEvent{}
	case IngestIntakeSubmitted:
		event = &IntakeSubmittedEvent{}
	case "":
		return nil, &ValidationError{Field: "type", Reason: "is required"}
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported event type %q", envelope.Type)}
	}

	if err := json.Unmarshal(data, event); err != nil {
		return nil, &ValidationError{Reason: "invalid request body"}
	}
	if err := ingestValidate.Struct(event); err != nil {
		return nil, toValidationError(err)
	}

	if intake, ok := event.(*IntakeSubmittedEvent); ok {
		if strings.TrimSpace(intake.Intake.Phone) == "" && strings.TrimSpace(intake.Intake.Email) == "" {
			return nil, &ValidationError{Field: "intake.phone", Reason: "phone or email is required"}
		}
	}

	return event, nil
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{
			Field:  jsonFieldPath(fe.Namespace()),
			Reason: "failed " + fe.Tag() + " check",
		}
	}
	return &ValidationError{Reason: err.Error()}
}

var fieldNames = map[string]string{
	"ConversationID": "conversationId",
	"MessageID":      "messageId",
	"Role":           "role",
	"Content":        "content",
	"Ticket":         "ticket",
	"Category":       "category",
	"Intake":         "intake",
	"Name":           "name",
	"Description":    "description",
	"ConsentGiven":   "consent_given",
	"Phone":          "phone",
	"Email":          "email",
	"Location":       "location",
	"Note":           "note",
	"Department":     "department",
	"Status":         "status",
}

// jsonFieldPath turns "IntakeSubmittedEvent.Intake.Name" into "intake.name".
func jsonFieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if name, ok := fieldNames[p]; ok {
			parts[i] = name
		}
	}
	return strings.Join(parts, ".")
}
