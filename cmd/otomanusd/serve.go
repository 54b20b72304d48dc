package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/otomanus/internal/agent"
	"github.com/flitsinc/otomanus/internal/api"
	"github.com/flitsinc/otomanus/internal/chat"
	"github.com/flitsinc/otomanus/internal/config"
	"github.com/flitsinc/otomanus/internal/eventbus"
	"github.com/flitsinc/otomanus/internal/logging"
	"github.com/flitsinc/otomanus/internal/registry"
	"github.com/flitsinc/otomanus/internal/tasks"
	"github.com/flitsinc/otomanus/internal/web"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.cfg)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "", "listen address")
	flags.String("provider", "", "agent provider (echo|anthropic|openai)")
	flags.String("model", "", "agent model or alias")
	flags.Int("retention-days", 0, "delete sessions idle longer than this; 0 disables")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTPAddr, _ = flags.GetString("addr")
	}
	if flags.Changed("provider") {
		cfg.AgentProvider, _ = flags.GetString("provider")
	}
	if flags.Changed("model") {
		cfg.AgentModel, _ = flags.GetString("model")
	}
	if flags.Changed("retention-days") {
		cfg.RetentionDays, _ = flags.GetInt("retention-days")
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logging.For("otomanusd")

	store, storePath, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	factory, err := agent.NewFactory(cfg.Agent())
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	reg := registry.New(store)
	if _, err := reg.Load(ctx); err != nil {
		return err
	}
	bus := eventbus.NewBus()
	defer bus.Close()
	sup := tasks.NewSupervisor(reg, bus, factory)
	reg.BindRuns(sup)

	go reg.RunRetention(ctx, cfg.CleanupInterval, cfg.Retention())

	apiServer := &api.Server{
		Chat:        chat.NewService(reg, sup, bus),
		Runs:        sup,
		Bus:         bus,
		CORSOrigins: cfg.CORSOrigins,
		StartedAt:   time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:      cfg.HTTPAddr,
			DataDir:       cfg.DataDir,
			StoreBackend:  cfg.StoreBackend,
			StorePath:     storePath,
			AgentProvider: cfg.AgentProvider,
			AgentModel:    cfg.AgentModel,
		},
	}

	if cfg.WebDir != "" {
		apiServer.UI = (&web.Server{Dir: cfg.WebDir}).Handler()
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Hijacked WebSocket connections are not closed by Shutdown; cancelling
	// the base context ends their handlers.
	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Str("store", cfg.StoreBackend).Str("provider", cfg.AgentProvider).Msg("otomanusd listening")
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Int("active_runs", sup.ActiveCount()).Msg("runs still active at shutdown")
	}
	serverCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
		_ = httpServer.Close()
	}
	return nil
}
