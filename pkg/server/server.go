package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/internal/observability"
	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/agents"
	"github.com/atelier-ai/atelier/pkg/store"
)

// Server exposes the thread and run API over HTTP, plus a WebSocket
// stream of run lifecycle events.
type Server struct {
	host    string
	port    int
	store   *store.SessionStore
	runner  *agent.Runner
	catalog *agents.Catalog
	metrics *observability.Metrics
	audit   *observability.AuditLogger
	logger  zerolog.Logger

	defaultModel string
	modelAliases map[string]string
	maxRetries   int

	runs        *RunRegistry
	broadcaster *EventBroadcaster
	upgrader    websocket.Upgrader

	server         *http.Server
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightRuns   sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Host    string
	Port    int
	Store   *store.SessionStore
	Runner  *agent.Runner
	Catalog *agents.Catalog
	Metrics *observability.Metrics
	Audit   *observability.AuditLogger
	Logger  zerolog.Logger

	// DefaultModel overrides agent definitions' models unless a run
	// requests one explicitly; ModelAliases maps short names to full
	// model identifiers. MaxRetries bounds model invocation retries.
	DefaultModel string
	ModelAliases map[string]string
	MaxRetries   int
}

// NewServer creates the API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("agent catalog is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.Audit == nil {
		cfg.Audit = observability.NewStderrAuditLogger()
	}

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		store:        cfg.Store,
		runner:       cfg.Runner,
		catalog:      cfg.Catalog,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
		defaultModel: cfg.DefaultModel,
		modelAliases: cfg.ModelAliases,
		maxRetries:   cfg.MaxRetries,
		runs:         NewRunRegistry(),
		broadcaster:  NewEventBroadcaster(cfg.Logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler builds the HTTP route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /threads", s.handleCreateThread)
	mux.HandleFunc("GET /threads/{id}", s.handleGetThread)
	mux.HandleFunc("DELETE /threads/{id}", s.handleDeleteThread)
	mux.HandleFunc("GET /threads/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("GET /threads/{id}/artifacts", s.handleGetArtifacts)
	mux.HandleFunc("GET /sessions", s.handleListSessions)

	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s.instrument(mux)
}

// instrument records request counts per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, fmt.Sprintf("%d", recorder.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting API server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server, waiting for in-flight runs.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightRuns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight runs completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.broadcaster.CloseAll()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

// handleWebSocket upgrades the connection and keeps reading until the
// client goes away; events flow one way, server to client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	s.broadcaster.Add(clientID, conn)
	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Subscriber connected")

	go func() {
		defer func() {
			conn.Close()
			s.broadcaster.Remove(clientID)
			s.logger.Info().Str("clientId", clientID).Msg("Subscriber disconnected")
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
