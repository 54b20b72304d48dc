// Package state persists session records. Two backends share one contract:
// a SQLite table (the default) and a directory of JSON documents.
package state

import (
	"context"
	"fmt"

	"github.com/flitsinc/otomanus/internal/session"
)

// SessionStore is the durable side of the registry. Save is an atomic
// overwrite-or-create, LoadAll skips records it cannot parse, and deleting a
// missing id is not an error.
type SessionStore interface {
	Save(ctx context.Context, s *session.Session) error
	LoadAll(ctx context.Context) ([]*session.Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// CorruptRecordError describes a stored record that could not be decoded.
type CorruptRecordError struct {
	Source string
	Err    error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt session record %s: %v", e.Source, e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}
