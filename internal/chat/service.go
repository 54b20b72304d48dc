// Package chat is the transport-agnostic surface over sessions and runs.
// HTTP and WebSocket handlers call into it; it never touches the wire.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/flitsinc/otomanus/internal/eventbus"
	"github.com/flitsinc/otomanus/internal/logging"
	"github.com/flitsinc/otomanus/internal/registry"
	"github.com/flitsinc/otomanus/internal/schema"
	"github.com/flitsinc/otomanus/internal/session"
	"github.com/flitsinc/otomanus/internal/tasks"
)

var ErrInvalidMessage = errors.New("invalid inbound message")

type StartResult struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
}

type StopResult struct {
	Status session.Status `json:"status"`
}

// Inbound is a message received on the real-time channel.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type Service struct {
	reg *registry.Registry
	sup *tasks.Supervisor
	bus *eventbus.Bus
	log zerolog.Logger
}

func NewService(reg *registry.Registry, sup *tasks.Supervisor, bus *eventbus.Bus) *Service {
	return &Service{reg: reg, sup: sup, bus: bus, log: logging.For("chat")}
}

// StartChat sends prompt to sessionID, creating a fresh session when the id
// is empty or unknown, and returns once the run is launched.
func (s *Service) StartChat(ctx context.Context, prompt, sessionID string, meta map[string]any) (StartResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return StartResult{}, tasks.ErrEmptyPrompt
	}

	if sessionID == "" || !s.reg.Exists(sessionID) {
		created, err := s.reg.Create(ctx, schema.Merge(nil, meta))
		if err != nil && !registry.IsPersistenceError(err) {
			return StartResult{}, fmt.Errorf("create session: %w", err)
		}
		if sessionID != "" {
			s.log.Debug().Str("requested", sessionID).Str("session_id", created.ID).Msg("unknown session, created new")
		}
		sessionID = created.ID
	}

	snap, err := s.sup.Start(ctx, sessionID, prompt, meta)
	switch {
	case registry.IsPersistenceError(err):
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("start chat: state not persisted")
	case err != nil:
		return StartResult{}, err
	}
	return StartResult{SessionID: sessionID, Status: snap.Status}, nil
}

func (s *Service) GetSession(id string) (*session.Session, error) {
	return s.reg.Get(id)
}

// StopChat cancels the session's run, or marks an idle session stopped.
// Finished sessions keep their recorded status; the reply is always stopped.
func (s *Service) StopChat(ctx context.Context, id string) (StopResult, error) {
	_, err := s.sup.Stop(ctx, id)
	switch {
	case registry.IsPersistenceError(err):
		s.log.Warn().Err(err).Str("session_id", id).Msg("stop chat: state not persisted")
	case err != nil:
		return StopResult{}, err
	}
	return StopResult{Status: session.StatusStopped}, nil
}

func (s *Service) ListSessions(limit, offset int) []session.Summary {
	return s.reg.List(limit, offset)
}

func (s *Service) SearchSessions(query string) []session.Match {
	return s.reg.Search(query)
}

// DeleteSession stops any run, removes the session and detaches its
// observers.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	err := s.reg.Delete(ctx, id)
	switch {
	case registry.IsPersistenceError(err):
		s.log.Warn().Err(err).Str("session_id", id).Msg("delete session: record not removed")
	case err != nil:
		return err
	}
	s.bus.DropSession(id)
	return nil
}

func (s *Service) Stats() registry.Stats {
	return s.reg.Stats()
}

// Attach registers obs for the session's events. The session must exist.
func (s *Service) Attach(sessionID string, obs eventbus.Observer) (func(), error) {
	if !s.reg.Exists(sessionID) {
		return nil, registry.ErrNotFound
	}
	_, detach := s.bus.Attach(sessionID, obs)
	return detach, nil
}

// HandleInbound processes one real-time message for sessionID and returns
// the reply to send back, if any. A chat that cannot start is answered with
// an error event rather than an error.
func (s *Service) HandleInbound(ctx context.Context, sessionID string, data []byte, meta map[string]any) (*eventbus.Event, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch msg.Type {
	case "ping":
		pong := eventbus.PongEvent()
		return &pong, nil
	case "chat":
		meta = schema.Merge(meta, map[string]any{schema.MetaSource: schema.SourceWebSocket})
		if _, err := s.StartChat(ctx, msg.Content, sessionID, meta); err != nil {
			reply := eventbus.ErrorEvent(err.Error())
			return &reply, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
}
