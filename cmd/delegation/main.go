package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/simple-delegation/pkg/agent"
	agentapi "github.com/tendant/simple-delegation/pkg/agent/api"
	"github.com/tendant/simple-delegation/pkg/audit"
	"github.com/tendant/simple-delegation/pkg/config"
	"github.com/tendant/simple-delegation/pkg/delegation"
	delegationapi "github.com/tendant/simple-delegation/pkg/delegation/api"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
	"github.com/tendant/simple-delegation/pkg/gate"
	"github.com/tendant/simple-delegation/pkg/grant"
	"github.com/tendant/simple-delegation/pkg/metrics"
	"github.com/tendant/simple-delegation/pkg/ratelimit"
	"github.com/tendant/simple-delegation/pkg/resource"
	"github.com/tendant/simple-delegation/pkg/revocation"
	"github.com/tendant/simple-delegation/pkg/router"
	"github.com/tendant/simple-delegation/pkg/status"
	"github.com/tendant/simple-delegation/pkg/sweeper"
	"github.com/tendant/simple-delegation/pkg/token"
)

// Sweep job names
const (
	jobExpiry       = "delegation-expiry"
	jobRevocationGC = "revocation-gc"
	jobRateLimitGC  = "ratelimit-gc"
)

// storage bundles the selected backends and their shutdown hooks
type storage struct {
	agents   agent.Repository
	requests delegation.Repository
	revoked  revocation.Store
	closers  []func()
}

func (s *storage) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Server)

	slog.Info("Starting Delegation Service")
	slog.Info(strings.Repeat("=", 60))

	signing, err := cfg.Signing.SigningConfig()
	if err != nil {
		slog.Error("Invalid signing configuration", "error", err)
		os.Exit(1)
	}

	store, err := openStorage(cfg, signing.ClockSkew())
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.close()

	m := metrics.New()
	auditor := audit.NewAuditor(nil, true)

	issuer := token.NewIssuer(signing)
	validator := token.NewValidator(signing, store.revoked,
		token.WithAuditor(auditor),
		token.WithFailureObserver(m),
	)

	agentService := agent.NewService(store.agents)
	manager := delegation.NewManager(store.requests, agentService, issuer, store.revoked,
		delegation.WithAuditor(auditor),
		delegation.WithMetrics(m),
	)
	agentService.SetReferenceChecker(manager)
	grantService := grant.NewService(store.requests, issuer, validator, store.revoked,
		grant.WithAuditor(auditor),
		grant.WithMetrics(m),
	)

	if cfg.Server.SeedDemoAgents {
		seedDemoAgents(agentService)
	}

	var limiter *ratelimit.Middleware
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewMiddleware(ratelimit.Config{
			PerMinute:      cfg.RateLimit.PerMinute,
			Burst:          cfg.RateLimit.Burst,
			BucketTTL:      time.Hour,
			IncludeHeaders: true,
		})
	}

	sweeps := sweeper.New(sweeper.WithMetrics(m))
	mustSchedule(sweeps, jobExpiry, cfg.Sweeper.ExpirySchedule, manager.SweepExpired)
	mustSchedule(sweeps, jobRevocationGC, cfg.Sweeper.RevocationGCSchedule, store.revoked.Collect)
	if limiter != nil {
		mustSchedule(sweeps, jobRateLimitGC, "@every 10m", func(context.Context) (int, error) {
			return limiter.Cleanup(), nil
		})
	}
	sweeps.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sweeps.Stop(ctx)
	}()

	server := app.NewApp(app.WithPort(cfg.Server.Port))
	router.SetupRoutes(server.R, router.Config{
		PrefixConfig:     router.DefaultPrefixConfig(),
		AgentHandle:      agentapi.NewHandle(agentService),
		DelegationHandle: delegationapi.NewHandle(manager),
		GrantHandle:      grant.NewHandle(grantService),
		ResourceHandle:   resource.NewHandle(gate.New(validator, signing.Audience())),
		StatusHandle:     status.NewHandle(status.NewService(agentService, manager, store.revoked)),
		Metrics:          m,
		RateLimiter:      limiter,
	})

	slog.Info(strings.Repeat("=", 60))
	slog.Info("Delegation Service Ready",
		"port", cfg.Server.Port,
		"issuer", signing.Issuer(),
		"audience", signing.Audience(),
		"persistence", cfg.Storage.Persistence,
		"revocation", cfg.Storage.RevocationBackend)
	slog.Info("API Endpoints:")
	slog.Info("  POST /delegations                - Request delegation")
	slog.Info("  PUT  /delegations/{id}/approve   - Approve delegation")
	slog.Info("  POST /token                      - Exchange delegation token")
	slog.Info("  POST /introspect, POST /revoke   - Token introspection and revocation")
	slog.Info("  GET  /calendar, GET /data        - Protected demo resources")
	slog.Info(strings.Repeat("=", 60))

	server.Run()
}

func setupLogger(s config.ServerConfig) {
	opts := &slog.HandlerOptions{Level: s.SlogLevel()}
	var handler slog.Handler
	if s.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStorage(cfg config.Config, grace time.Duration) (*storage, error) {
	s := &storage{}

	switch cfg.Storage.Persistence {
	case config.PersistenceFile:
		agents, err := agent.NewFileRepository(cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
		requests, err := delegation.NewFileRepository(cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
		s.agents, s.requests = agents, requests
		slog.Info("Using file persistence", "dir", cfg.Storage.DataDir)

	case config.PersistencePostgres:
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.ToDatabaseURL())
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		agents, err := agent.NewPostgresRepository(pool)
		if err != nil {
			s.close()
			return nil, err
		}
		if err := agents.EnsureSchema(context.Background()); err != nil {
			s.close()
			return nil, err
		}
		s.agents = agents
		s.requests = delegation.NewInMemoryRepository()
		slog.Info("Using postgres for agents, memory for delegation requests",
			"host", cfg.Postgres.Host, "database", cfg.Postgres.Database)

	default:
		s.agents = agent.NewInMemoryRepository()
		s.requests = delegation.NewInMemoryRepository()
		slog.Info("Using in-memory persistence")
	}

	if cfg.Storage.RevocationBackend == config.RevocationRedis {
		client, err := revocation.NewRedisClient(cfg.Redis)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { closeRedis(client) })
		s.revoked = revocation.NewRedisStore(client, cfg.Redis.KeyPrefix, grace)
		slog.Info("Using redis revocation store", "prefix", cfg.Redis.KeyPrefix)
	} else {
		s.revoked = revocation.NewMemoryStore(revocation.WithGrace(grace))
	}
	return s, nil
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		slog.Warn("Failed to close redis client", "error", err)
	}
}

func mustSchedule(s *sweeper.Sweeper, name, schedule string, task sweeper.Task) {
	if err := s.Add(name, schedule, task); err != nil {
		slog.Error("Failed to schedule job", "job", name, "error", err)
		os.Exit(1)
	}
}

func seedDemoAgents(agents *agent.Service) {
	ctx := context.Background()
	demo := []agent.RegisterInput{
		{
			ID:          "calendar-agent",
			Name:        "Calendar Assistant",
			Description: "Reads and schedules calendar events",
			Scopes:      []string{"calendar:read", "calendar:write"},
		},
		{
			ID:          "data-agent",
			Name:        "Data Analyst",
			Description: "Reads reports for analysis",
			Scopes:      []string{"data:read"},
		},
	}
	for _, in := range demo {
		_, err := agents.Register(ctx, in)
		switch {
		case err == nil:
			slog.Info("Seeded demo agent", "agent_id", in.ID, "scopes", in.Scopes)
		case errors.Is(err, agent.ErrAgentExists), apperrors.IsCode(err, apperrors.ErrCodeInvalidState):
			slog.Debug("Demo agent already present", "agent_id", in.ID)
		default:
			slog.Warn("Failed to seed demo agent", "agent_id", in.ID, "error", err)
		}
	}
}
