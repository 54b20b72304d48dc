// Package agent defines the collaborator that turns a prompt into a reply,
// plus the provider adapters the daemon can run.
package agent

import (
	"context"
	"errors"
	"sync"
)

var ErrCleanedUp = errors.New("agent already cleaned up")

// Progress receives intermediate observations from a running agent.
type Progress interface {
	Think(step, tool string)
	File(path string)
}

type NopProgress struct{}

func (NopProgress) Think(string, string) {}
func (NopProgress) File(string)          {}

// Agent handles one run. Cleanup releases its resources; a second call
// returns ErrCleanedUp and changes nothing.
type Agent interface {
	Run(ctx context.Context, prompt string, progress Progress) (string, error)
	Cleanup(ctx context.Context) error
}

type Factory interface {
	Create(ctx context.Context) (Agent, error)
}

type FactoryFunc func(ctx context.Context) (Agent, error)

func (f FactoryFunc) Create(ctx context.Context) (Agent, error) {
	return f(ctx)
}

// lifecycle guards a handle against use after Cleanup.
type lifecycle struct {
	mu      sync.Mutex
	cleaned bool
}

func (l *lifecycle) usable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleaned {
		return ErrCleanedUp
	}
	return nil
}

func (l *lifecycle) cleanup() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleaned {
		return ErrCleanedUp
	}
	l.cleaned = true
	return nil
}
