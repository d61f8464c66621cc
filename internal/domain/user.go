// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 128
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
)

type (
	UserID    string
	SessionID string
)

// Participant is the identity a voice session runs under.
// It is supplied by the identity provider and never mutated by the core.
type Participant struct {
	ID          UserID `json:"id" msgpack:"id"`
	DisplayName string `json:"username" msgpack:"username"`
}

// NewParticipant validates raw identity values coming from an adapter.
func NewParticipant(id, displayName string) (Participant, error) {
	if id == "" {
		return Participant{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return Participant{}, ErrUserIDTooLong
	}
	name, err := NormalizeUsername(displayName)
	if err != nil {
		return Participant{}, err
	}
	return Participant{ID: UserID(id), DisplayName: name}, nil
}

// NormalizeUsername trims and length-checks a display name.
func NormalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return "", ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return username, nil
}
