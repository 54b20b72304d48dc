package session

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	PreviewLength = 100
	ExcerptLength = 200
)

type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Status       Status    `json:"status"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
}

type Match struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`
	Match     string    `json:"match"`
}

func (s *Session) Summary() Summary {
	out := Summary{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Status:       s.Status,
		MessageCount: len(s.Messages),
	}
	if len(s.Messages) > 0 {
		out.Preview = truncate(s.Messages[0].Content, PreviewLength)
	}
	return out
}

// FindMatch returns the first message whose content contains query,
// case-insensitively.
func (s *Session) FindMatch(query string) (Match, bool) {
	needle := strings.ToLower(query)
	if strings.TrimSpace(needle) == "" {
		return Match{}, false
	}
	for _, m := range s.Messages {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			return Match{
				ID:        s.ID,
				CreatedAt: s.CreatedAt,
				UpdatedAt: s.UpdatedAt,
				Status:    s.Status,
				Match:     truncate(m.Content, ExcerptLength),
			}, true
		}
	}
	return Match{}, false
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
