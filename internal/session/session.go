// Package session holds the conversation entity shared by the registry, the
// run supervisor and the stores.
package session

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/flitsinc/otomanus/internal/idgen"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

type ThinkingStep struct {
	ID        string    `json:"id"`
	Step      string    `json:"step"`
	Tool      string    `json:"tool,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation. Callers outside the registry only ever see
// clones; mutation goes through the methods below so updated_at and the
// status machine stay consistent.
type Session struct {
	ID            string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Status        Status
	Messages      []Message
	ThinkingSteps []ThinkingStep
	Files         []string
	Metadata      map[string]any
	Error         string

	clock func() time.Time
}

// New returns an idle session created at now. An empty id gets a fresh one.
func New(id string, now time.Time, metadata map[string]any) *Session {
	if id == "" {
		id = idgen.New()
	}
	now = now.UTC()
	meta := normalizeMetadata(metadata)
	return &Session{
		ID:            id,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusIdle,
		Messages:      []Message{},
		ThinkingSteps: []ThinkingStep{},
		Files:         []string{},
		Metadata:      meta,
	}
}

// SetClock replaces the time source used for timestamps and updated_at.
func (s *Session) SetClock(now func() time.Time) {
	s.clock = now
}

func (s *Session) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

// touch bumps UpdatedAt and returns the timestamp used. It never moves
// UpdatedAt backwards, even if the clock does.
func (s *Session) touch() time.Time {
	now := s.now()
	if now.Before(s.UpdatedAt) {
		now = s.UpdatedAt
	}
	s.UpdatedAt = now
	return now
}

func (s *Session) AddMessage(role Role, content string, metadata map[string]any) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("unknown message role %q", role)
	}
	meta := normalizeMetadata(metadata)
	msg := Message{
		ID:        idgen.NewULID(),
		Role:      role,
		Content:   content,
		Timestamp: s.touch(),
		Metadata:  meta,
	}
	s.Messages = append(s.Messages, msg)
	return msg, nil
}

func (s *Session) AddThinkingStep(step, tool string) ThinkingStep {
	ts := ThinkingStep{
		ID:        idgen.NewULID(),
		Step:      step,
		Tool:      tool,
		Timestamp: s.touch(),
	}
	s.ThinkingSteps = append(s.ThinkingSteps, ts)
	return ts
}

// SetStatus moves the session to status. errMsg is recorded only for
// StatusError; any other status clears a previous error.
func (s *Session) SetStatus(status Status, errMsg string) error {
	if !canTransition(s.Status, status) {
		return &StatusTransitionError{SessionID: s.ID, From: s.Status, To: status}
	}
	s.Status = status
	if status == StatusError {
		s.Error = errMsg
	} else {
		s.Error = ""
	}
	s.touch()
	return nil
}

// AddFile records path once. Repeated paths still bump UpdatedAt.
func (s *Session) AddFile(path string) {
	path = strings.TrimSpace(path)
	if path != "" && !slices.Contains(s.Files, path) {
		s.Files = append(s.Files, path)
	}
	s.touch()
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Metadata = cloneMetadata(m.Metadata)
		out.Messages[i] = m
	}
	out.ThinkingSteps = slices.Clone(s.ThinkingSteps)
	if out.ThinkingSteps == nil {
		out.ThinkingSteps = []ThinkingStep{}
	}
	out.Files = slices.Clone(s.Files)
	if out.Files == nil {
		out.Files = []string{}
	}
	out.Metadata = cloneMetadata(s.Metadata)
	return &out
}

// LastAssistantMessage returns the most recent assistant reply, if any.
func (s *Session) LastAssistantMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}
