// Package router mounts every delegation service endpoint on a chi router.
package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	agentapi "github.com/tendant/simple-delegation/pkg/agent/api"
	delegationapi "github.com/tendant/simple-delegation/pkg/delegation/api"
	"github.com/tendant/simple-delegation/pkg/grant"
	"github.com/tendant/simple-delegation/pkg/metrics"
	"github.com/tendant/simple-delegation/pkg/ratelimit"
	"github.com/tendant/simple-delegation/pkg/resource"
	"github.com/tendant/simple-delegation/pkg/status"
)

// PrefixConfig holds the mount points of the REST resources
type PrefixConfig struct {
	Agents      string
	Delegations string
}

// DefaultPrefixConfig mounts agents at /agents and delegations at /delegations
func DefaultPrefixConfig() PrefixConfig {
	return PrefixConfig{
		Agents:      "/agents",
		Delegations: "/delegations",
	}
}

// Config holds all the handlers needed to setup routes
type Config struct {
	PrefixConfig PrefixConfig

	AgentHandle      *agentapi.Handle
	DelegationHandle *delegationapi.Handle
	GrantHandle      *grant.Handle
	ResourceHandle   *resource.Handle
	StatusHandle     *status.Handle

	// Optional
	Metrics     *metrics.Metrics
	RateLimiter *ratelimit.Middleware
}

// SetupRoutes mounts all routes on the provided router. Rate limiting, when
// configured, applies to POST /token and POST on the delegations prefix.
func SetupRoutes(router chi.Router, cfg Config) {
	if cfg.PrefixConfig == (PrefixConfig{}) {
		cfg.PrefixConfig = DefaultPrefixConfig()
	}

	router.Group(func(r chi.Router) {
		if cfg.Metrics != nil {
			r.Use(cfg.Metrics.Middleware)
			r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
		}

		var limited []func(http.Handler) http.Handler
		if cfg.RateLimiter != nil {
			limited = append(limited, cfg.RateLimiter.Handler)
		}

		if cfg.StatusHandle != nil {
			cfg.StatusHandle.RegisterRoutes(r)
		}
		if cfg.AgentHandle != nil {
			r.Mount(cfg.PrefixConfig.Agents, cfg.AgentHandle.Routes())
		}
		if cfg.DelegationHandle != nil {
			r.Mount(cfg.PrefixConfig.Delegations, cfg.DelegationHandle.Routes(limited...))
		}
		if cfg.GrantHandle != nil {
			cfg.GrantHandle.RegisterRoutes(r, limited...)
		}
		if cfg.ResourceHandle != nil {
			cfg.ResourceHandle.RegisterRoutes(r)
		}
	})

	slog.Info("Routes mounted",
		"agents", cfg.PrefixConfig.Agents,
		"delegations", cfg.PrefixConfig.Delegations,
		"rateLimited", cfg.RateLimiter != nil,
		"metrics", cfg.Metrics != nil)
}
