// Package registry is the authoritative in-memory index of sessions. Every
// change is written through to a state.SessionStore.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/otomanus/internal/logging"
	"github.com/flitsinc/otomanus/internal/session"
	"github.com/flitsinc/otomanus/internal/state"
)

const (
	DefaultListLimit = 50
	interruptedError = "interrupted by restart"
)

// RunCanceller stops the run bound to a session and waits for it to settle.
type RunCanceller interface {
	Cancel(ctx context.Context, sessionID string) error
}

// Change is applied under the session's write lock. Mutate works on a copy
// that replaces the live session only if it returns nil. Committed runs after
// the store write, still under the lock, so callbacks observe commits in order.
type Change struct {
	Mutate    func(s *session.Session) error
	Committed func(s *session.Session)
}

type Stats struct {
	TotalSessions int                    `json:"total_sessions"`
	ByStatus      map[session.Status]int `json:"by_status"`
	TotalMessages int                    `json:"total_messages"`
}

type Registry struct {
	store       state.SessionStore
	nowFn       func() time.Time
	log         zerolog.Logger
	noReconcile bool

	mu      sync.RWMutex
	entries map[string]*entry
	runs    RunCanceller
}

type entry struct {
	mu      sync.RWMutex
	sess    *session.Session
	deleted bool
}

type Option func(*Registry)

func WithClock(nowFn func() time.Time) Option {
	return func(r *Registry) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

// WithoutReconcile makes Load keep sessions exactly as stored. Offline tools
// use it so they never rewrite records owned by a running daemon.
func WithoutReconcile() Option {
	return func(r *Registry) {
		r.noReconcile = true
	}
}

func New(store state.SessionStore, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		nowFn:   func() time.Time { return time.Now().UTC() },
		log:     logging.For("registry"),
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// BindRuns wires the component that owns in-flight runs so Delete can cancel
// them.
func (r *Registry) BindRuns(c RunCanceller) {
	r.mu.Lock()
	r.runs = c
	r.mu.Unlock()
}

func (r *Registry) now() time.Time {
	return r.nowFn().UTC()
}

// Load populates the registry from the store. Sessions persisted mid-run are
// marked as errored since no run survives a restart, unless the registry was
// built WithoutReconcile.
func (r *Registry) Load(ctx context.Context) (int, error) {
	loaded, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	count := 0
	for _, s := range loaded {
		s.SetClock(r.now)
		if !r.noReconcile && s.Status == session.StatusProcessing {
			if err := s.SetStatus(session.StatusError, interruptedError); err == nil {
				if perr := r.persist(ctx, s.Clone(), "reconcile"); perr != nil {
					r.log.Error().Err(perr).Str("session_id", s.ID).Msg("persist reconciled session")
				}
			}
		}
		r.mu.Lock()
		if _, exists := r.entries[s.ID]; !exists {
			r.entries[s.ID] = &entry{sess: s}
			count++
		}
		r.mu.Unlock()
	}
	r.log.Info().Int("sessions", count).Msg("sessions loaded")
	return count, nil
}

// Create registers a new idle session. On a store failure the session still
// exists in memory and a *PersistenceError is returned with it.
func (r *Registry) Create(ctx context.Context, metadata map[string]any) (*session.Session, error) {
	s := session.New("", r.now(), metadata)
	s.SetClock(r.now)
	e := &entry{sess: s}

	e.mu.Lock()
	defer e.mu.Unlock()
	r.mu.Lock()
	r.entries[s.ID] = e
	r.mu.Unlock()

	snap := s.Clone()
	return snap, r.persist(ctx, snap, "create")
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (*session.Session, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	return e.sess.Clone(), nil
}

func (r *Registry) Exists(id string) bool {
	_, err := r.Get(id)
	return err == nil
}

// Update applies fn and persists the result. A nil fn just re-persists.
func (r *Registry) Update(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	return r.Apply(ctx, id, Change{Mutate: fn})
}

// Apply runs c against the session with id. A Mutate error leaves the session
// untouched and is returned as is; a store failure yields the committed copy
// together with a *PersistenceError.
func (r *Registry) Apply(ctx context.Context, id string, c Change) (*session.Session, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}

	if c.Mutate != nil {
		work := e.sess.Clone()
		if err := c.Mutate(work); err != nil {
			return nil, err
		}
		e.sess = work
	}

	snap := e.sess.Clone()
	perr := r.persist(ctx, snap, "update")
	if c.Committed != nil {
		c.Committed(snap.Clone())
	}
	return snap, perr
}

// Delete cancels any run bound to id, then removes the session from memory
// and from the store. The entry is marked deleted before the run is
// cancelled, so a run started concurrently cannot commit against it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	e := r.lookup(id)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.deleted = true
	e.mu.Unlock()

	r.mu.RLock()
	runs := r.runs
	r.mu.RUnlock()
	if runs != nil {
		if err := runs.Cancel(ctx, id); err != nil {
			e.mu.Lock()
			e.deleted = false
			e.mu.Unlock()
			return fmt.Errorf("cancel run for %s: %w", id, err)
		}
	}

	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if err := r.store.Delete(context.WithoutCancel(ctx), id); err != nil {
		perr := &PersistenceError{SessionID: id, Op: "delete", Err: err}
		r.log.Error().Err(err).Str("session_id", id).Msg("delete session record")
		return perr
	}
	return nil
}

func (r *Registry) snapshot() []*session.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*session.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if !e.deleted {
			out = append(out, e.sess.Clone())
		}
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// List returns summaries ordered by most recent update first.
func (r *Registry) List(limit, offset int) []session.Summary {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	all := r.snapshot()
	if offset >= len(all) {
		return []session.Summary{}
	}
	end := min(offset+limit, len(all))
	out := make([]session.Summary, 0, end-offset)
	for _, s := range all[offset:end] {
		out = append(out, s.Summary())
	}
	return out
}

// Search returns at most one match per session, most recently updated first.
func (r *Registry) Search(query string) []session.Match {
	out := []session.Match{}
	for _, s := range r.snapshot() {
		if m, ok := s.FindMatch(query); ok {
			out = append(out, m)
		}
	}
	return out
}

// CleanupOlderThan deletes sessions last updated before now-retention and
// returns how many were removed.
func (r *Registry) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := r.now().Add(-retention)
	var errs []error
	removed := 0
	for _, s := range r.snapshot() {
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		err := r.Delete(ctx, s.ID)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, ErrNotFound):
		case IsPersistenceError(err):
			removed++
			errs = append(errs, err)
		default:
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// RunRetention calls CleanupOlderThan every interval until ctx is done.
func (r *Registry) RunRetention(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.CleanupOlderThan(ctx, retention)
			if err != nil {
				r.log.Error().Err(err).Msg("retention sweep")
			}
			if removed > 0 {
				r.log.Info().Int("removed", removed).Dur("retention", retention).Msg("retention sweep")
			}
		}
	}
}

func (r *Registry) Stats() Stats {
	st := Stats{ByStatus: map[session.Status]int{}}
	for _, s := range r.snapshot() {
		st.TotalSessions++
		st.ByStatus[s.Status]++
		st.TotalMessages += len(s.Messages)
	}
	return st
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) persist(ctx context.Context, s *session.Session, op string) error {
	if err := r.store.Save(context.WithoutCancel(ctx), s); err != nil {
		r.log.Error().Err(err).Str("session_id", s.ID).Str("op", op).Msg("persist session")
		return &PersistenceError{SessionID: s.ID, Op: op, Err: err}
	}
	return nil
}
