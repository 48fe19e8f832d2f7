// Package validation sanitizes and validates ingress values before they
// reach the conversation manager, with hand-rolled checks rather than a
// validation library.
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"chatcore/internal/apperr"
)

// MaxMessageRunes is the content length ceiling, counted in codepoints
// rather than bytes so multi-byte UTF-8 content isn't penalized relative
// to ASCII.
const MaxMessageRunes = 10000

var conversationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateMessageContent checks a message body against the maximum
// content length.
func ValidateMessageContent(content string) error {
	if content == "" {
		return apperr.New(apperr.ValidationFailed, "message content is required")
	}
	if n := utf8.RuneCountInString(content); n > MaxMessageRunes {
		return apperr.NewWithDetails(apperr.ValidationFailed, "message exceeds maximum length", map[string]any{
			"max_length": MaxMessageRunes,
			"actual":     n,
		})
	}
	return nil
}

// ValidateConversationID checks a conversation id's shape.
func ValidateConversationID(id string) error {
	if id == "" || !conversationIDPattern.MatchString(id) {
		return apperr.New(apperr.ValidationFailed, "conversation id must contain only alphanumeric characters, hyphens, and underscores")
	}
	return nil
}

// ValidatePagination checks limit/offset bounds shared by every list endpoint.
func ValidatePagination(limit, offset int) error {
	if limit < 0 || limit > 100 {
		return apperr.NewWithDetails(apperr.ValidationFailed, "limit must be between 0 and 100", map[string]any{"limit": limit})
	}
	if offset < 0 {
		return apperr.NewWithDetails(apperr.ValidationFailed, "offset must be non-negative", map[string]any{"offset": offset})
	}
	return nil
}

// SanitizeString strips control characters other than newline/carriage
// return/tab, and trims surrounding whitespace.
func SanitizeString(input string) string {
	input = strings.TrimSpace(input)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, input)
}
