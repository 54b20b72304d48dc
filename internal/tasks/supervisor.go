// Package tasks binds agent runs to sessions: at most one run per session,
// cooperative cancellation, and exactly-once cleanup.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/otomanus/internal/agent"
	"github.com/flitsinc/otomanus/internal/agentcontext"
	"github.com/flitsinc/otomanus/internal/eventbus"
	"github.com/flitsinc/otomanus/internal/idgen"
	"github.com/flitsinc/otomanus/internal/logging"
	"github.com/flitsinc/otomanus/internal/registry"
	"github.com/flitsinc/otomanus/internal/session"
)

const (
	ProcessingMessage = "Processing your request..."
	StoppedMessage    = "Chat stopped"
)

var (
	ErrBusy        = errors.New("session already has an active run")
	ErrEmptyPrompt = errors.New("prompt is required")

	errRunActive = errors.New("run became active")
	errNoChange  = errors.New("no change")
)

type Supervisor struct {
	reg            *registry.Registry
	bus            *eventbus.Bus
	agents         agent.Factory
	log            zerolog.Logger
	cleanupTimeout time.Duration

	baseCtx context.Context

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

type run struct {
	id        string
	sessionID string
	prompt    string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

type Option func(*Supervisor)

// WithCleanupTimeout bounds how long an agent's Cleanup may take.
func WithCleanupTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cleanupTimeout = d
		}
	}
}

func NewSupervisor(reg *registry.Registry, bus *eventbus.Bus, agents agent.Factory, opts ...Option) *Supervisor {
	s := &Supervisor{
		reg:            reg,
		bus:            bus,
		agents:         agents,
		log:            logging.For("tasks"),
		cleanupTimeout: 10 * time.Second,
		baseCtx:        context.Background(),
		runs:           map[string]*run{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start records prompt as a user message, moves the session to processing
// and launches the agent in the background. It returns the processing
// snapshot; a *registry.PersistenceError may accompany it.
func (s *Supervisor) Start(ctx context.Context, sessionID, prompt string, metadata map[string]any) (*session.Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, busy := s.runs[sessionID]; busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	r := &run{id: idgen.NewULID(), sessionID: sessionID, prompt: prompt, done: make(chan struct{})}
	runCtx := agentcontext.WithRunID(agentcontext.WithSessionID(s.baseCtx, sessionID), r.id)
	r.ctx, r.cancel = context.WithCancelCause(runCtx)
	s.runs[sessionID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	snap, err := s.reg.Apply(ctx, sessionID, registry.Change{
		Mutate: func(sess *session.Session) error {
			if _, err := sess.AddMessage(session.RoleUser, prompt, metadata); err != nil {
				return err
			}
			return sess.SetStatus(session.StatusProcessing, "")
		},
		Committed: func(*session.Session) {
			s.bus.Publish(sessionID, eventbus.StatusEvent(string(session.StatusProcessing), ProcessingMessage))
		},
	})
	if err != nil && !registry.IsPersistenceError(err) {
		s.release(r)
		s.wg.Done()
		return nil, err
	}

	s.log.Info().Str("session_id", sessionID).Str("run", r.id).Msg("run started")
	go s.execute(r)
	return snap, err
}

func (s *Supervisor) execute(r *run) {
	defer s.wg.Done()
	defer s.release(r)

	result, err := s.invoke(r)
	s.settle(r, result, err)
}

// invoke runs the agent and returns as soon as it finishes or the run is
// cancelled, whichever happens first.
func (s *Supervisor) invoke(r *run) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panic: %v", p)
		}
	}()

	a, err := s.agents.Create(r.ctx)
	if err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}
	defer s.cleanup(r, a)

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("agent panic: %v", p)}
			}
		}()
		res, err := a.Run(r.ctx, r.prompt, &progress{s: s, r: r})
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-r.ctx.Done():
		return "", stopCause(r.ctx)
	}
}

func (s *Supervisor) cleanup(r *run, a agent.Agent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), s.cleanupTimeout)
	defer cancel()
	if err := a.Cleanup(ctx); err != nil {
		s.log.Warn().Err(err).Str("session_id", r.sessionID).Str("run", r.id).Msg("agent cleanup")
	}
}

type runOutcome int

const (
	outcomeCompleted runOutcome = iota
	outcomeFailed
	outcomeStopped
)

// settle records the run's outcome. Cancellation is checked under the
// session lock, so a stop that lands before this commit always wins.
func (s *Supervisor) settle(r *run, result string, runErr error) {
	var outcome runOutcome
	var failure string

	_, err := s.reg.Apply(context.WithoutCancel(r.ctx), r.sessionID, registry.Change{
		Mutate: func(sess *session.Session) error {
			switch {
			case stopCause(r.ctx) != nil:
				outcome = outcomeStopped
				return sess.SetStatus(session.StatusStopped, "")
			case runErr != nil:
				outcome = outcomeFailed
				failure = runErr.Error()
				return sess.SetStatus(session.StatusError, failure)
			default:
				outcome = outcomeCompleted
				if _, err := sess.AddMessage(session.RoleAssistant, result, nil); err != nil {
					return err
				}
				return sess.SetStatus(session.StatusCompleted, "")
			}
		},
		Committed: func(*session.Session) {
			switch outcome {
			case outcomeStopped:
				s.bus.Publish(r.sessionID, eventbus.StatusEvent(string(session.StatusStopped), StoppedMessage))
			case outcomeFailed:
				s.bus.Publish(r.sessionID, eventbus.ErrorEvent(failure))
			default:
				s.bus.Publish(r.sessionID, eventbus.CompleteEvent(result))
			}
		},
	})

	log := s.log.With().Str("session_id", r.sessionID).Str("run", r.id).Logger()
	switch {
	case errors.Is(err, registry.ErrNotFound):
		log.Debug().Msg("session deleted before run settled")
		return
	case registry.IsPersistenceError(err):
		// Already logged by the registry; memory holds the outcome.
	case err != nil:
		log.Error().Err(err).Msg("settle run")
		return
	}

	switch outcome {
	case outcomeStopped:
		log.Info().Msg("run stopped")
	case outcomeFailed:
		log.Warn().Str("error", failure).Msg("run failed")
	default:
		log.Info().Msg("run completed")
	}
}

func (s *Supervisor) release(r *run) {
	s.mu.Lock()
	if s.runs[r.sessionID] == r {
		delete(s.runs, r.sessionID)
	}
	s.mu.Unlock()
	r.cancel(errRunFinished)
	close(r.done)
}

func (s *Supervisor) activeRun(sessionID string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[sessionID]
}

func (s *Supervisor) Active(sessionID string) bool {
	return s.activeRun(sessionID) != nil
}

func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Cancel stops the run bound to sessionID, if any, and waits for it to
// settle. It satisfies registry.RunCanceller.
func (s *Supervisor) Cancel(ctx context.Context, sessionID string) error {
	r := s.activeRun(sessionID)
	if r == nil {
		return nil
	}
	r.cancel(ErrStopped)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the active run, or, when none exists, moves a non-terminal
// session to stopped. Stopping an already stopped or finished session
// changes nothing.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) (*session.Session, error) {
	for {
		if s.Active(sessionID) {
			if err := s.Cancel(ctx, sessionID); err != nil {
				return nil, err
			}
			return s.reg.Get(sessionID)
		}

		snap, err := s.reg.Apply(ctx, sessionID, registry.Change{
			Mutate: func(sess *session.Session) error {
				if s.Active(sessionID) {
					return errRunActive
				}
				if session.IsTerminal(sess.Status) {
					return errNoChange
				}
				return sess.SetStatus(session.StatusStopped, "")
			},
			Committed: func(*session.Session) {
				s.bus.Publish(sessionID, eventbus.StatusEvent(string(session.StatusStopped), StoppedMessage))
			},
		})
		switch {
		case errors.Is(err, errRunActive):
			continue
		case errors.Is(err, errNoChange):
			return s.reg.Get(sessionID)
		default:
			return snap, err
		}
	}
}

// Shutdown cancels every run and waits for them to settle.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, r := range s.runs {
		r.cancel(ErrShuttingDown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// progress feeds agent observations into the session while the run is live.
type progress struct {
	s *Supervisor
	r *run
}

func (p *progress) Think(step, tool string) {
	p.apply(func(sess *session.Session) error {
		sess.AddThinkingStep(step, tool)
		return nil
	}, func() {
		p.s.bus.Publish(p.r.sessionID, eventbus.StatusEvent(string(session.StatusProcessing), step))
	})
}

func (p *progress) File(path string) {
	p.apply(func(sess *session.Session) error {
		sess.AddFile(path)
		return nil
	}, nil)
}

func (p *progress) apply(mutate func(*session.Session) error, notify func()) {
	if stopCause(p.r.ctx) != nil {
		return
	}
	_, err := p.s.reg.Apply(context.WithoutCancel(p.r.ctx), p.r.sessionID, registry.Change{
		Mutate: func(sess *session.Session) error {
			if err := stopCause(p.r.ctx); err != nil {
				return err
			}
			return mutate(sess)
		},
		Committed: func(*session.Session) {
			if notify != nil {
				notify()
			}
		},
	})
	if err != nil && !IsCancellation(err) && !registry.IsPersistenceError(err) {
		p.s.log.Debug().Err(err).Str("session_id", p.r.sessionID).Msg("progress dropped")
	}
}
