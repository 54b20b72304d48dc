package session

import (
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

var ErrInvalidStatusTransition = errors.New("invalid session status transition")

type StatusTransitionError struct {
	SessionID string
	From      Status
	To        Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid session status transition for %s: %s -> %s", e.SessionID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusIdle, StatusProcessing, StatusCompleted, StatusError, StatusStopped:
		return s, nil
	default:
		return "", fmt.Errorf("unknown session status %q", raw)
	}
}

// IsTerminal reports whether no run is expected to be bound to a session in
// this status.
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	default:
		return false
	}
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusIdle:
		// idle -> stopped covers a stop request against a session that never ran.
		return to == StatusProcessing || to == StatusStopped
	case StatusProcessing:
		return to == StatusCompleted || to == StatusError || to == StatusStopped
	case StatusCompleted, StatusError, StatusStopped:
		return to == StatusProcessing
	default:
		return false
	}
}
