package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validate checks that id is a canonical UUID string. Session ids become
// file names and URL path segments, so anything else is rejected.
func Validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("id %q is invalid: %w", id, err)
	}
	if parsed.String() != strings.ToLower(id) {
		return fmt.Errorf("id %q is not in canonical form", id)
	}
	return nil
}
