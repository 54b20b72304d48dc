package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/otomanus/internal/agent"
	"github.com/flitsinc/otomanus/internal/eventbus"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) decoded(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.messages))
	for _, raw := range f.messages {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

// fakeWSConn replays inbound frames, then reports a normal close.
type fakeWSConn struct {
	fakeWSWriter
	inbound []string
}

func (f *fakeWSConn) Read(context.Context) (websocket.MessageType, []byte, error) {
	if len(f.inbound) == 0 {
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return websocket.MessageText, []byte(next), nil
}

func TestWSObserverWritesEvents(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()

	writer := &fakeWSWriter{}
	_, detach := bus.Attach("s1", &wsObserver{writer: writer})
	defer detach()

	bus.Publish("s1", eventbus.StatusEvent("processing", "Processing your request..."))
	bus.Publish("s1", eventbus.CompleteEvent("Hi there"))

	require.Eventually(t, func() bool { return len(writer.decoded(t)) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := writer.decoded(t)
	assert.Equal(t, map[string]any{"type": "status", "status": "processing", "message": "Processing your request..."}, got[0])
	assert.Equal(t, map[string]any{"type": "complete", "result": "Hi there"}, got[1])
}

func TestServeInboundRepliesAndContinues(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})
	created, err := st.reg.Create(context.Background(), nil)
	require.NoError(t, err)

	conn := &fakeWSConn{inbound: []string{`{"type":"ping"}`, `{oops`, `{"type":"ping"}`}}
	require.NoError(t, st.server.serveInbound(context.Background(), created.ID, conn, nil))

	got := conn.decoded(t)
	require.Len(t, got, 3)
	assert.Equal(t, "pong", got[0]["type"])
	assert.Equal(t, "error", got[1]["type"])
	assert.Contains(t, got[1]["message"], "invalid inbound message")
	assert.Equal(t, "pong", got[2]["type"])
}

func dialWS(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestSessionWSChatRoundTrip(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})
	srv := httptest.NewServer(st.handler)
	defer srv.Close()

	created, err := st.reg.Create(context.Background(), nil)
	require.NoError(t, err)

	conn := dialWS(t, srv, created.ID)
	defer conn.CloseNow()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, map[string]any{"type": "pong"}, readEvent(t, ctx, conn))

	require.Eventually(t, func() bool { return st.bus.ObserverCount(created.ID) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"chat","content":"hi"}`)))

	var types []string
	for {
		evt := readEvent(t, ctx, conn)
		types = append(types, evt["type"].(string))
		if evt["type"] == "complete" {
			assert.Equal(t, "Echo: hi", evt["result"])
			break
		}
		require.Equal(t, "status", evt["type"])
	}
	assert.Equal(t, []string{"status", "status", "complete"}, types)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return st.bus.ObserverCount(created.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionWSUnknownSessionCloses4004(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})
	srv := httptest.NewServer(st.handler)
	defer srv.Close()

	conn := dialWS(t, srv, "missing")
	defer conn.CloseNow()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusSessionNotFound, websocket.CloseStatus(err))
}
