package tasks

import (
	"context"
	"errors"
)

var (
	ErrStopped      = errors.New("run stopped")
	ErrShuttingDown = errors.New("supervisor shutting down")
	errRunFinished  = errors.New("run finished")
)

// stopCause reports why a run context ended, or nil while it is live.
func stopCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// IsCancellation reports whether err came from stopping a run rather than
// from the agent itself.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, ErrShuttingDown) || errors.Is(err, context.Canceled)
}
