package registry

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("session not found")

// PersistenceError reports a store failure after the in-memory state has
// already changed. The registry keeps the new state; callers decide whether
// the failure matters to them.
type PersistenceError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist session %s (%s): %v", e.SessionID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func IsPersistenceError(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr)
}
