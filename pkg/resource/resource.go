// Package resource is a small protected resource server used to exercise
// access tokens end to end.
package resource

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-delegation/pkg/gate"
)

// Response is returned by every protected endpoint
type Response struct {
	Resource  string    `json:"resource"`
	Delegator string    `json:"delegator"`
	Actor     string    `json:"actor"`
	Scope     string    `json:"scope"`
	Items     []string  `json:"items"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle serves the demo resources
type Handle struct {
	gate *gate.Gate
}

// NewHandle creates the resource handler
func NewHandle(g *gate.Gate) *Handle {
	return &Handle{gate: g}
}

// RegisterRoutes mounts GET /calendar (calendar:read) and GET /data
// (data:read) on r
func (h *Handle) RegisterRoutes(r chi.Router) {
	r.With(h.gate.Protect("calendar:read")).Get("/calendar", h.serve("calendar", []string{
		"Team standup 09:00",
		"Design review 14:00",
	}))
	r.With(h.gate.Protect("data:read")).Get("/data", h.serve("data", []string{
		"report-2024-q1.csv",
		"report-2024-q2.csv",
	}))
}

func (h *Handle) serve(name string, items []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := gate.GetPrincipal(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		slog.Info("Protected resource accessed", "resource", name, "principal", p)

		render.Status(r, http.StatusOK)
		render.JSON(w, r, Response{
			Resource:  name,
			Delegator: p.Delegator,
			Actor:     p.Actor,
			Scope:     p.Scope.String(),
			Items:     items,
			Timestamp: time.Now().UTC(),
		})
	}
}
