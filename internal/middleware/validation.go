package middleware

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/capitalize-ai/civic-assistant/internal/model"
)

// MaxExternalIDLength bounds client-supplied conversation and message ids.
const MaxExternalIDLength = 128

// ValidateMessageContent validates a citizen message.
func ValidateMessageContent(content string, maxChars int) error {
	if !utf8.ValidString(content) {
		return &model.ValidationError{Field: "message", Reason: "must be valid UTF-8"}
	}
	if strings.TrimSpace(content) == "" {
		return &model.ValidationError{Field: "message", Reason: "is required"}
	}
	if utf8.RuneCountInString(content) > maxChars {
		return &model.ValidationError{Field: "message", Reason: fmt.Sprintf("exceeds %d characters", maxChars)}
	}
	return nil
}

// ValidateExternalID validates a client-supplied id. Empty ids are allowed;
// the caller generates one.
func ValidateExternalID(field, id string) error {
	if len(id) > MaxExternalIDLength {
		return &model.ValidationError{Field: field, Reason: "exceeds maximum length"}
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &model.ValidationError{Field: field, Reason: "contains whitespace or control characters"}
		}
	}
	return nil
}

// ValidateTenantID validates the city identifier in the path.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return &model.ValidationError{Field: "tenantId", Reason: "is required"}
	}
	if len(id) > 64 {
		return &model.ValidationError{Field: "tenantId", Reason: "exceeds maximum length"}
	}
	return nil
}
