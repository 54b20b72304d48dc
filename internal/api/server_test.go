package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/otomanus/internal/agent"
	"github.com/flitsinc/otomanus/internal/chat"
	"github.com/flitsinc/otomanus/internal/eventbus"
	"github.com/flitsinc/otomanus/internal/registry"
	"github.com/flitsinc/otomanus/internal/session"
	"github.com/flitsinc/otomanus/internal/tasks"
	"github.com/flitsinc/otomanus/internal/testutil"
)

type testStack struct {
	server  *Server
	handler http.Handler
	client  *http.Client
	reg     *registry.Registry
	bus     *eventbus.Bus
}

func newTestStack(t *testing.T, factory agent.Factory) *testStack {
	t.Helper()
	reg := registry.New(testutil.OpenTestStore(t))
	bus := eventbus.NewBus()
	sup := tasks.NewSupervisor(reg, bus, factory)
	reg.BindRuns(sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		bus.Close()
	})

	server := &Server{
		Chat:      chat.NewService(reg, sup, bus),
		Runs:      sup,
		Bus:       bus,
		StartedAt: time.Now().Add(-time.Minute),
		Info:      DiagnosticsInfo{StoreBackend: "sqlite", AgentProvider: "echo"},
	}
	h := server.Handler()
	return &testStack{server: server, handler: h, client: testutil.NewInProcessClient(h), reg: reg, bus: bus}
}

func blockingFactory(release <-chan struct{}) agent.Factory {
	return agent.FactoryFunc(func(context.Context) (agent.Agent, error) {
		return &blockingAgent{release: release}, nil
	})
}

type blockingAgent struct {
	release <-chan struct{}
}

func (a *blockingAgent) Run(ctx context.Context, prompt string, _ agent.Progress) (string, error) {
	select {
	case <-a.release:
		return "done: " + prompt, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *blockingAgent) Cleanup(context.Context) error { return nil }

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := testutil.ReadAll(resp)
	require.NoError(t, err)
	return string(data)
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func waitForStatus(t *testing.T, st *testStack, id string, want session.Status) session.Session {
	t.Helper()
	var got session.Session
	require.Eventually(t, func() bool {
		resp := doJSON(t, st.client, http.MethodGet, "/api/chat/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return false
		}
		decodeJSONResponse(t, resp, &got)
		return got.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestChatLifecycle(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})

	resp := doJSON(t, st.client, http.MethodPost, "/api/chat", map[string]any{"prompt": "Hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var started chat.StartResult
	decodeJSONResponse(t, resp, &started)
	require.NotEmpty(t, started.SessionID)
	assert.Equal(t, session.StatusProcessing, started.Status)

	got := waitForStatus(t, st, started.SessionID, session.StatusCompleted)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Echo: Hello", got.Messages[1].Content)
	assert.Equal(t, "http", got.Messages[0].Metadata["source"])
	require.Len(t, got.ThinkingSteps, 1)

	resp = doJSON(t, st.client, http.MethodPost, "/api/chat", map[string]any{"prompt": "Again", "session_id": started.SessionID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again chat.StartResult
	decodeJSONResponse(t, resp, &again)
	assert.Equal(t, started.SessionID, again.SessionID)
	got = waitForStatus(t, st, started.SessionID, session.StatusCompleted)
	assert.Len(t, got.Messages, 4)
}

func TestStartChatValidation(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})

	resp := doJSON(t, st.client, http.MethodPost, "/api/chat", map[string]any{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "prompt is required")

	resp = doJSON(t, st.client, http.MethodPost, "/api/chat", map[string]any{"prompt": "hi", "model": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, st.client, http.MethodPut, "/api/chat", map[string]any{"prompt": "hi"})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestNotFoundResponses(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/chat/missing"},
		{http.MethodPost, "/api/chat/missing/stop"},
		{http.MethodDelete, "/api/sessions/missing"},
		{http.MethodGet, "/api/nope"},
	}
	for _, tc := range cases {
		resp := doJSON(t, st.client, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
		var body map[string]any
		decodeJSONResponse(t, resp, &body)
		assert.Contains(t, body["error"], "not found", tc.path)
	}
}

func TestBusyAndStop(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	st := newTestStack(t, blockingFactory(release))

	resp := doJSON(t, st.client, http.MethodPost, "/api/chat", map[string]any{"prompt": "long"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started chat.StartResult
	decodeJSONResponse(t, resp, &started)

	resp = doJSON(t, st.client, http.MethodPost, "/api/chat", map[string]any{"prompt": "more", "session_id": started.SessionID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, st.client, http.MethodPost, "/api/chat/"+started.SessionID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stopped chat.StopResult
	decodeJSONResponse(t, resp, &stopped)
	assert.Equal(t, session.StatusStopped, stopped.Status)

	resp = doJSON(t, st.client, http.MethodPost, "/api/chat/"+started.SessionID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSONResponse(t, resp, &stopped)
	assert.Equal(t, session.StatusStopped, stopped.Status)
}

func TestSessionsEndpoints(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})
	ctx := context.Background()

	var ids []string
	for _, prompt := range []string{"plan a trip to Lisbon", "summarize the report"} {
		resp := doJSON(t, st.client, http.MethodPost, "/api/chat", map[string]any{"prompt": prompt})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var started chat.StartResult
		decodeJSONResponse(t, resp, &started)
		waitForStatus(t, st, started.SessionID, session.StatusCompleted)
		ids = append(ids, started.SessionID)
	}
	_, err := st.reg.Create(ctx, nil)
	require.NoError(t, err)

	resp := doJSON(t, st.client, http.MethodGet, "/api/sessions?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page []session.Summary
	decodeJSONResponse(t, resp, &page)
	assert.Len(t, page, 2)

	resp = doJSON(t, st.client, http.MethodGet, "/api/sessions?offset=10", nil)
	decodeJSONResponse(t, resp, &page)
	assert.Empty(t, page)

	resp = doJSON(t, st.client, http.MethodGet, "/api/sessions/search?q=lisbon", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var matches []session.Match
	decodeJSONResponse(t, resp, &matches)
	require.Len(t, matches, 1)
	assert.Equal(t, ids[0], matches[0].ID)
	assert.Equal(t, "plan a trip to Lisbon", matches[0].Match)

	resp = doJSON(t, st.client, http.MethodGet, "/api/sessions/stats", nil)
	var stats registry.Stats
	decodeJSONResponse(t, resp, &stats)
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 4, stats.TotalMessages)
	assert.Equal(t, 2, stats.ByStatus[session.StatusCompleted])

	resp = doJSON(t, st.client, http.MethodDelete, "/api/sessions/"+ids[0], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	resp = doJSON(t, st.client, http.MethodGet, "/api/chat/"+ids[0], nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHealthAndDiagnostics(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})

	resp := doJSON(t, st.client, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	decodeJSONResponse(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])

	resp = doJSON(t, st.client, http.MethodGet, "/api/diagnostics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var diag DiagnosticsResponse
	decodeJSONResponse(t, resp, &diag)
	assert.GreaterOrEqual(t, diag.UptimeSeconds, int64(59))
	assert.Equal(t, "echo", diag.Info.AgentProvider)
	assert.EqualValues(t, 0, diag.Runtime["active_runs"])
	assert.Contains(t, diag.EventBus, "observers")
}

func TestCORSPreflight(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})

	req, err := http.NewRequest(http.MethodOptions, "http://in-process/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := st.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestUIMountedOutsideAPI(t *testing.T) {
	st := newTestStack(t, &agent.EchoFactory{})
	st.server.UI = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ui:"+r.URL.Path)
	})
	client := testutil.NewInProcessClient(st.server.Handler())

	resp := doJSON(t, client, http.MethodGet, "/index.html", nil)
	assert.Equal(t, "ui:/index.html", readBody(t, resp))

	resp = doJSON(t, client, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "healthy")
}
