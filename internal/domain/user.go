// Package domain contains entities without transport, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 36

	AnonymousName = "Anonymous"
)

var (
	ErrUserIDTooLong = errors.New("user id too long")
)

type (
	// ConnID identifies one live signaling connection. A user that reconnects gets a new one.
	ConnID string
	// UserID is stable across reconnects when the client supplies it.
	UserID string
)

// NewUserID is used when the client did not provide its own id.
func NewUserID() UserID {
	return UserID("user_" + uuid.NewString())
}

// NormalizeUserID trims the id and generates one when empty.
func NormalizeUserID(raw string) (UserID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return NewUserID(), nil
	}
	if len(id) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(id), nil
}

// NormalizeDisplayName trims, caps at MaxDisplayNameLen runes and falls back to AnonymousName.
func NormalizeDisplayName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return AnonymousName
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		name = string([]rune(name)[:MaxDisplayNameLen])
	}
	return name
}
