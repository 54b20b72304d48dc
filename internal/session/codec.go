package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/otomanus/internal/idgen"
)

var ErrInvalidRecord = errors.New("invalid session record")

// record is the persisted and wire shape of a Session.
type record struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Status        Status         `json:"status"`
	Messages      []Message      `json:"messages"`
	ThinkingSteps []ThinkingStep `json:"thinking_steps"`
	Files         []string       `json:"files"`
	Metadata      map[string]any `json:"metadata"`
	Error         *string        `json:"error"`
}

func (s Session) MarshalJSON() ([]byte, error) {
	c := s.Clone()
	rec := record{
		ID:            c.ID,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		Status:        c.Status,
		Messages:      c.Messages,
		ThinkingSteps: c.ThinkingSteps,
		Files:         c.Files,
		Metadata:      c.Metadata,
	}
	if c.Error != "" {
		rec.Error = &c.Error
	}
	return json.Marshal(rec)
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*s = Session{
		ID:            rec.ID,
		CreatedAt:     rec.CreatedAt.UTC(),
		UpdatedAt:     rec.UpdatedAt.UTC(),
		Status:        rec.Status,
		Messages:      rec.Messages,
		ThinkingSteps: rec.ThinkingSteps,
		Files:         rec.Files,
		Metadata:      rec.Metadata,
	}
	if rec.Error != nil {
		s.Error = *rec.Error
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	for i := range s.Messages {
		s.Messages[i].Timestamp = s.Messages[i].Timestamp.UTC()
		if s.Messages[i].Metadata == nil {
			s.Messages[i].Metadata = map[string]any{}
		}
	}
	if s.ThinkingSteps == nil {
		s.ThinkingSteps = []ThinkingStep{}
	}
	for i := range s.ThinkingSteps {
		s.ThinkingSteps[i].Timestamp = s.ThinkingSteps[i].Timestamp.UTC()
	}
	if s.Files == nil {
		s.Files = []string{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	return nil
}

// normalizeMetadata converts metadata to the form it takes after a JSON
// round trip, so a reloaded session equals the one that was saved. Values
// that cannot be encoded are dropped.
func normalizeMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		var norm any
		if err := json.Unmarshal(data, &norm); err != nil {
			continue
		}
		out[k] = norm
	}
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Marshal serializes s into its persisted document form.
func Marshal(s *Session) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// Unmarshal parses and validates a persisted document.
func Unmarshal(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the fields a record must carry to be usable.
func (s *Session) Validate() error {
	if err := idgen.Validate(s.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if _, err := ParseStatus(string(s.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamps", ErrInvalidRecord)
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return fmt.Errorf("%w: updated_at precedes created_at", ErrInvalidRecord)
	}
	for i, m := range s.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("%w: message %d has role %q", ErrInvalidRecord, i, m.Role)
		}
	}
	return nil
}
