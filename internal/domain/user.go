// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxUserIDLen = 128

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

// UserID is the stable account identifier supplied by the chat session layer.
type UserID string

// ConnID identifies one live signaling connection.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// ParseUserID trims and validates a user identifier taken off the wire.
func ParseUserID(raw string) (UserID, error) {
	s := strings.TrimSpace(raw)
	if len(s) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(s) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(s), nil
}
