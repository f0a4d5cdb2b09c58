package message

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyHistory = errors.New("'history' must be a non-empty list")
	ErrInvalidRole  = errors.New("invalid message role")
	ErrLastNotUser  = errors.New("last message must be from 'user'")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is the literal prompt context sent to the model. Order matters.
type History []Message

// Validate checks the structure of the history. Turn ordering is left to the
// caller apart from the optional trailing-user check.
func (h History) Validate(requireUserLast bool) error {
	if len(h) == 0 {
		return ErrEmptyHistory
	}
	for i, m := range h {
		if !m.Role.Valid() {
			return fmt.Errorf("%w %q at message %d", ErrInvalidRole, m.Role, i)
		}
	}
	if requireUserLast && h[len(h)-1].Role != RoleUser {
		return ErrLastNotUser
	}
	return nil
}

// Clone returns a copy that shares no backing array with h.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Last returns the most recent message, if any.
func (h History) Last() (Message, bool) {
	if len(h) == 0 {
		return Message{}, false
	}
	return h[len(h)-1], true
}
