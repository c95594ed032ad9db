package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/datablogin/entropy-playground/internal/agent"
	"github.com/datablogin/entropy-playground/internal/infra"
	"github.com/datablogin/entropy-playground/internal/state"
)

// Server is the operator surface: fleet inspection, lifecycle verbs,
// state backup and restore, health and metrics. It is an http.Handler;
// Run wraps it in a server with graceful shutdown.
type Server struct {
	router   *chi.Mux
	cfg      infra.ControlConfig
	factory  *agent.Factory
	registry *agent.Registry
	coord    *state.Coordinator
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewServer(
	cfg infra.ControlConfig,
	factory *agent.Factory,
	registry *agent.Registry,
	coord *state.Coordinator,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		factory:  factory,
		registry: registry,
		coord:    coord,
		gatherer: gatherer,
		logger:   logger.Named("control"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Public: probes and metrics.
	r.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		if s.gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// Protected perimeter.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.AuthSecret, s.logger))

		r.Get("/v1/roles", s.handleRoles)

		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Get("/history", s.handleHistory)
				r.Post("/start", s.lifecycle(func(ctx context.Context, a *agent.Agent) error { return a.Start(ctx) }))
				r.Post("/stop", s.lifecycle(func(ctx context.Context, a *agent.Agent) error { return a.Stop(ctx) }))
				r.Post("/restart", s.lifecycle(func(ctx context.Context, a *agent.Agent) error { return a.Restart(ctx) }))
				r.Post("/pause", s.lifecycle(func(_ context.Context, a *agent.Agent) error { return a.Pause() }))
				r.Post("/resume", s.lifecycle(func(_ context.Context, a *agent.Agent) error { return a.Resume() }))
			})
		})

		r.Route("/v1/state", func(r chi.Router) {
			r.Get("/backups", s.handleListBackups)
			r.Post("/backups", s.handleCreateBackup)
			r.Post("/restore", s.handleRestore)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok := s.coord.HealthCheck(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"store": ok})
}

func (s *Server) handleRoles(w http.ResponseWriter, _ *http.Request) {
	roles := s.registry.Roles()
	infos := make([]agent.RoleInfo, 0, len(roles))
	for _, role := range roles {
		if info, err := s.registry.Info(role); err == nil {
			infos = append(infos, info)
		}
	}
	writeJSON(w, http.StatusOK, infos)
}

type agentView struct {
	Name   string             `json:"name"`
	Role   string             `json:"role"`
	State  agent.State        `json:"state"`
	Health agent.HealthStatus `json:"health"`
	Uptime float64            `json:"uptime_seconds"`
	Tasks  []string           `json:"tasks"`
}

func viewOf(a *agent.Agent) agentView {
	return agentView{
		Name:   a.Name(),
		Role:   a.Role(),
		State:  a.State(),
		Health: a.GetHealthStatus(),
		Uptime: a.Uptime().Seconds(),
		Tasks:  a.Tasks(),
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	instances := s.factory.Instances()
	views := make([]agentView, 0, len(instances))
	for _, a := range instances {
		views = append(views, viewOf(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.factory.Instance(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.factory.Instance(name); !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	history, err := s.coord.GetHistory(r.Context(), name)
	if err != nil {
		s.logger.Error("history read failed", zap.String("agent", name), zap.Error(err))
		http.Error(w, "history read failed", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []state.HistoryEvent{}
	}
	writeJSON(w, http.StatusOK, history)
}

// lifecycle adapts one agent operation into a handler. Invalid
// transitions come back as 409, not 500.
func (s *Server) lifecycle(op func(ctx context.Context, a *agent.Agent) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		a, ok := s.factory.Instance(name)
		if !ok {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		if err := op(r.Context(), a); err != nil {
			s.logger.Warn("lifecycle operation rejected", zap.String("agent", name), zap.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(a))
	}
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	timestamps, err := s.coord.ListBackups(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		http.Error(w, "backup listing failed", http.StatusInternalServerError)
		return
	}
	if timestamps == nil {
		timestamps = []string{}
	}
	writeJSON(w, http.StatusOK, timestamps)
}

type backupRequest struct {
	Pattern string `json:"pattern"`
	Prefix  string `json:"prefix,omitempty"`
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := decodeBody(r, &req); err != nil || req.Pattern == "" {
		http.Error(w, "pattern is required", http.StatusBadRequest)
		return
	}
	count, err := s.coord.BackupKeys(r.Context(), req.Pattern, req.Prefix)
	if err != nil {
		s.logger.Error("backup failed", zap.Error(err))
		http.Error(w, "backup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": count})
}

type restoreRequest struct {
	Timestamp string `json:"timestamp"`
	Prefix    string `json:"prefix,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decodeBody(r, &req); err != nil || req.Timestamp == "" {
		http.Error(w, "timestamp is required", http.StatusBadRequest)
		return
	}
	count, err := s.coord.RestoreFromBackup(r.Context(), req.Timestamp, req.Prefix, req.Overwrite)
	if err != nil {
		s.logger.Error("restore failed", zap.Error(err))
		http.Error(w, "restore failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": count})
}

func decodeBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(r.Body).Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
