// Package httpapi wires Gin to the attestor: the inbound event webhook, the
// operator API, health and metrics.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger
//  4. Recovery
//  5. body limit
//  6. Metrics
//
// Bearer auth and the rate limiter are installed per route group, so the
// limiter keys on the authenticated caller.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/username-attestor/internal/config"
	"github.com/tbourn/username-attestor/internal/http/handlers"
	"github.com/tbourn/username-attestor/internal/http/middleware"
	"github.com/tbourn/username-attestor/internal/transport"
)

// maxEventBody caps inbound request bodies.
const maxEventBody = 1 << 20

// Deps are the collaborators the routes dispatch to.
type Deps struct {
	Events transport.Handler
	Admin  handlers.AdminService
	Sweeps map[string]handlers.Sweep
	// Ready reports storage reachability for /ready. Nil means always ready.
	Ready func(ctx context.Context) error
}

// RegisterRoutes attaches middleware and endpoints to r.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxEventBody))
	r.Use(middleware.Metrics())

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", func(c *gin.Context) {
		if deps.Ready != nil {
			if err := deps.Ready(c.Request.Context()); err != nil {
				handlers.Fail(c, http.StatusServiceUnavailable, "not_ready", err.Error())
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	h := handlers.New(deps.Events, deps.Admin, deps.Sweeps)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCallerOrIP())

	api := groupWithPrefix(r, cfg.APIBasePath)

	events := api.Group("", middleware.BearerAuth(cfg.EventsJWTSecret, middleware.ScopeEvents), rl.Handler())
	events.POST("/events", h.PostEvent)

	admin := api.Group("/admin", middleware.BearerAuth(cfg.EventsJWTSecret, middleware.ScopeAdmin), rl.Handler())
	{
		admin.GET("/reservations", h.ListReservations)
		admin.GET("/reservations/:id", h.GetReservation)
		admin.GET("/attestations/:tx", h.GetAttestation)
		admin.POST("/sweeps/:name", h.RunSweep)
	}
}

// limitBody caps the request body at maxBytes; reads past it fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
