// Package server is the HTTP/WS front: REST session management, the
// client chat sockets, the worker protocol endpoint, and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/relaymesh/relay/internal/agent"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/hub"
	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/internal/provider"
	"github.com/relaymesh/relay/internal/sessions"
)

// Server wires every component behind one HTTP listener.
type Server struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry

	hub      *hub.Hub
	store    *sessions.FileStore
	provider provider.Provider
	runner   *agent.Runner

	upgrader  websocket.Upgrader
	httpSrv   *http.Server
	retention *cron.Cron
}

// New assembles the server from its collaborators.
func New(cfg *config.Config, logger *observability.Logger, p provider.Provider) (*Server, error) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store, err := sessions.NewFileStore(cfg.Sessions.Dir, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		store:    store,
		provider: provider.Instrumented(p, metrics),
		runner:   agent.NewRunner(logger, metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.hub = hub.New(hub.Options{
		DispatchTimeout: cfg.Hub.DispatchTimeout,
		Logger:          logger,
		Metrics:         metrics,
	})
	return s, nil
}

// Hub exposes the dispatch fabric, mainly for tests.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Store exposes the session store, mainly for tests.
func (s *Server) Store() *sessions.FileStore { return s.store }

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /prompt", s.handlePrompt)
	mux.HandleFunc("GET /ws/chat", s.handleChatWS)
	mux.HandleFunc("GET /ws/worker", s.hub.ServeWS)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions", s.handleDeleteAllSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/prompt", s.handleSessionPrompt)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleClearSession)
	mux.HandleFunc("POST /sessions/clear-all-history", s.handleClearAllHistory)
	mux.HandleFunc("GET /sessions/{id}/chat", s.handleSessionChatWS)

	if s.cfg.Server.StaticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.Server.StaticDir))))
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/static/index.html", http.StatusFound)
		})
	}

	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	s.startRetention(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "server listening", "addr", addr)
		err := s.httpSrv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains the listener and stops background jobs.
func (s *Server) Shutdown() error {
	if s.retention != nil {
		s.retention.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.hub.Stop(ctx); err != nil {
		s.logger.Warn(ctx, "hub shutdown", "error", err)
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// startRetention schedules the session pruning job when configured.
func (s *Server) startRetention(ctx context.Context) {
	spec := s.cfg.Sessions.RetentionCron
	if spec == "" {
		return
	}
	maxAge := s.cfg.Sessions.RetentionMaxAge

	s.retention = cron.New()
	_, err := s.retention.AddFunc(spec, func() {
		removed, err := s.store.Prune(ctx, maxAge)
		if err != nil {
			s.logger.Error(ctx, "session retention sweep failed", "error", err)
			return
		}
		s.logger.Info(ctx, "session retention sweep", "removed", removed)
	})
	if err != nil {
		s.logger.Error(ctx, "invalid retention cron spec", "spec", spec, "error", err)
		return
	}
	s.retention.Start()
}
