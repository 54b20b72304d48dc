package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/flitsinc/otomanus/internal/eventbus"
	"github.com/flitsinc/otomanus/internal/logging"
	"github.com/flitsinc/otomanus/internal/schema"
)

// StatusSessionNotFound closes a connection opened for an unknown session.
const StatusSessionNotFound websocket.StatusCode = 4004

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// wsObserver forwards bus events for one session to a connection.
type wsObserver struct {
	writer wsWriter
}

func (o *wsObserver) Deliver(ctx context.Context, evt eventbus.Event) error {
	return writeEvent(ctx, o.writer, evt)
}

func writeEvent(ctx context.Context, writer wsWriter, evt eventbus.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return writer.Write(ctx, websocket.MessageText, payload)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	log := logging.For("ws").With().Str("session_id", sessionID).Logger()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	detach, err := s.Chat.Attach(sessionID, &wsObserver{writer: conn})
	if err != nil {
		_ = conn.Close(StatusSessionNotFound, "session not found")
		return
	}
	defer detach()

	if err := s.serveInbound(ctx, sessionID, conn, requestMeta(r, schema.SourceWebSocket)); err != nil {
		log.Debug().Err(err).Msg("websocket closed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

type wsConn interface {
	wsWriter
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// serveInbound answers client messages until the peer goes away. Malformed
// messages get an error event and the loop continues.
func (s *Server) serveInbound(ctx context.Context, sessionID string, conn wsConn, meta map[string]any) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		reply, err := s.Chat.HandleInbound(ctx, sessionID, data, meta)
		if err != nil {
			evt := eventbus.ErrorEvent(err.Error())
			reply = &evt
		}
		if reply == nil {
			continue
		}
		if err := writeEvent(ctx, conn, *reply); err != nil {
			return err
		}
	}
}
