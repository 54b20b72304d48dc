package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flitsinc/otomanus/internal/registry"
)

type DiagnosticsInfo struct {
	HTTPAddr      string `json:"http_addr"`
	DataDir       string `json:"data_dir"`
	StoreBackend  string `json:"store_backend"`
	StorePath     string `json:"store_path"`
	AgentProvider string `json:"agent_provider"`
	AgentModel    string `json:"agent_model"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	Sessions      registry.Stats  `json:"sessions"`
	EventBus      map[string]any  `json:"eventbus"`
	Runtime       map[string]any  `json:"runtime"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		Sessions:      s.Chat.Stats(),
		EventBus:      map[string]any{},
		Runtime:       map[string]any{"goroutines": runtime.NumGoroutine()},
	}
	if s.Bus != nil {
		sessions, observers := s.Bus.Stats()
		resp.EventBus["sessions"] = sessions
		resp.EventBus["observers"] = observers
	}
	if s.Runs != nil {
		resp.Runtime["active_runs"] = s.Runs.ActiveCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
