package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/datablogin/entropy-playground/internal/agent"
	"github.com/datablogin/entropy-playground/internal/audit"
	"github.com/datablogin/entropy-playground/internal/claude"
	"github.com/datablogin/entropy-playground/internal/control"
	"github.com/datablogin/entropy-playground/internal/github"
	"github.com/datablogin/entropy-playground/internal/infra"
	"github.com/datablogin/entropy-playground/internal/logging"
	"github.com/datablogin/entropy-playground/internal/metrics"
	"github.com/datablogin/entropy-playground/internal/repository/postgres"
	"github.com/datablogin/entropy-playground/internal/roles"
	"github.com/datablogin/entropy-playground/internal/state"
)

func main() {
	// 1. Configuration and logger
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	// 2. State layer: store, lock manager, coordinator
	store := state.NewRedisStore(state.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	defer store.Close()

	locker := state.NewLocker(store, logger)
	coord := state.NewCoordinator(store, locker, logger)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.Ping(bootCtx); err != nil {
		bootCancel()
		logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	bootCancel()

	// 3. Metrics
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store.OnOp = m.ObserveStoreOp

	// 4. Audit trail: postgres sink when a database is configured,
	// structured log sink otherwise
	var sink audit.Storage
	if cfg.Database.URL != "" {
		repo, err := postgres.NewAuditRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("audit database", zap.Error(err))
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			cancel()
			logger.Fatal("audit database unreachable", zap.Error(err))
		}
		cancel()
		defer repo.Close()
		sink = repo
	} else {
		logger.Info("no database configured, audit events go to the log")
		sink = audit.NewLogStorage(logger)
	}
	trail := audit.NewTrail(sink, logger, cfg.Audit.BufferSize)
	trail.Start()

	// 5. Upstream clients
	var gh *github.Client
	owner, repo, _ := strings.Cut(cfg.GitHub.Repository, "/")
	if cfg.GitHub.Token != "" && owner != "" && repo != "" {
		opts := []github.Option{}
		if cfg.GitHub.BaseURL != "" {
			opts = append(opts, github.WithBaseURL(cfg.GitHub.BaseURL))
		}
		gh = github.NewClient(cfg.GitHub.Token, logger, opts...)
	} else {
		logger.Warn("github not configured, tracker roles are unavailable")
	}

	var model claude.Messenger
	if cfg.Claude.APIKey != "" {
		opts := []claude.Option{}
		if cfg.Claude.BaseURL != "" {
			opts = append(opts, claude.WithBaseURL(cfg.Claude.BaseURL))
		}
		model = claude.NewClient(cfg.Claude.APIKey, cfg.Claude.Model, logger, opts...)
	} else {
		logger.Warn("no api key configured, using the mock model client")
		model = claude.NewMock()
	}

	// 6. Roles, registry, factory
	registry := agent.NewRegistry(logger)
	err = roles.RegisterDefaults(registry, roles.Deps{
		Coordinator: coord,
		Locker:      locker,
		GitHub:      gh,
		Claude:      model,
		Owner:       owner,
		Repo:        repo,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("register roles", zap.Error(err))
	}
	factory := agent.NewFactory(registry, logger)

	// Root context: cancelled on SIGINT/SIGTERM, stops everything
	appCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 7. Build and start the fleet
	fleet := make([]*agent.Agent, 0, len(cfg.Agents))
	for _, spec := range cfg.Agents {
		a, err := factory.Create(agent.Config{
			Name:                spec.Name,
			Role:                spec.Role,
			Version:             spec.Version,
			MaxRetries:          spec.MaxRetries,
			Timeout:             spec.Timeout,
			HealthCheckInterval: spec.HealthCheckInterval,
			ShutdownTimeout:     spec.ShutdownTimeout,
			Metadata:            toMetadata(spec.Metadata),
		}, true)
		if err != nil {
			logger.Fatal("create agent", zap.String("name", spec.Name), zap.Error(err))
		}
		wireObservers(a, coord, trail, m, logger)
		fleet = append(fleet, a)
	}

	for _, a := range fleet {
		if err := a.Start(appCtx); err != nil {
			logger.Error("agent failed to start", zap.String("name", a.Name()), zap.Error(err))
		}
	}

	// Uptime and audit buffer gauges
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				m.AuditBufferFill.Set(float64(trail.Depth()))
				for _, a := range fleet {
					m.Uptime.WithLabelValues(a.Name()).Set(a.Uptime().Seconds())
				}
			}
		}
	}()

	// 8. Control surface, blocks until shutdown
	server := control.NewServer(cfg.Control, factory, registry, coord, reg, logger)
	if err := server.Run(appCtx); err != nil {
		logger.Error("control server", zap.Error(err))
	}

	// 9. Drain: agents first, then the audit trail
	logger.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	for _, a := range fleet {
		if err := a.Stop(stopCtx); err != nil {
			logger.Error("agent stop failed", zap.String("name", a.Name()), zap.Error(err))
		}
	}
	stopCancel()
	trail.Stop()
	logger.Info("shutdown complete")
}

// wireObservers feeds lifecycle and health transitions into the shared
// state, the audit trail and the metric set.
func wireObservers(a *agent.Agent, coord *state.Coordinator, trail *audit.Trail, m *metrics.Metrics, logger *zap.Logger) {
	scope := coord.Agent(a.Name())

	a.OnStateChange(func(name string, from, to agent.State) {
		m.StateTransitions.WithLabelValues(name, string(from), string(to)).Inc()
		trail.Record(audit.Event{
			AgentID: name,
			Type:    audit.EventStateChange,
			From:    string(from),
			To:      string(to),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := scope.SetStatus(ctx, string(to)); err != nil {
			logger.Warn("status persist failed", zap.String("agent", name), zap.Error(err))
		}
		if err := scope.AppendHistory(ctx, state.HistoryEvent{
			Type:   "state_change",
			Detail: map[string]any{"from": string(from), "to": string(to)},
		}); err != nil {
			logger.Warn("history persist failed", zap.String("agent", name), zap.Error(err))
		}
	})

	a.OnHealthChange(func(name string, status agent.HealthStatus) {
		m.SetHealth(name, string(status.Health))
		trail.Record(audit.Event{
			AgentID: name,
			Type:    audit.EventHealthChange,
			To:      string(status.Health),
			Detail:  map[string]any{"checks": status.Checks},
		})
	})
}

func toMetadata(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
