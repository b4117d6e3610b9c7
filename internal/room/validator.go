package room

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max message size
	MaxTextChars    = 2000 // max character count
	MaxSenderChars  = 64
	MaxRoomIDChars  = 64
)

// ErrInvalidInput marks requests rejected before they reach the core.
var ErrInvalidInput = errors.New("room: invalid input")

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ValidateRoomID checks that id is a non-empty, URL-safe identifier.
func ValidateRoomID(id string) error {
	if id == "" {
		return invalid("roomId is required")
	}
	if len(id) > MaxRoomIDChars {
		return invalid("roomId exceeds %d characters", MaxRoomIDChars)
	}
	if !roomIDPattern.MatchString(id) {
		return invalid("roomId may only contain letters, digits, '_' and '-'")
	}
	return nil
}

// ValidateSender checks the caller-supplied display name.
func ValidateSender(sender string) error {
	if strings.TrimSpace(sender) == "" {
		return invalid("sender is required")
	}
	if !utf8.ValidString(sender) {
		return invalid("sender contains invalid UTF-8")
	}
	if utf8.RuneCountInString(sender) > MaxSenderChars {
		return invalid("sender exceeds %d character limit", MaxSenderChars)
	}
	return nil
}

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return invalid("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return invalid("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return invalid("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
