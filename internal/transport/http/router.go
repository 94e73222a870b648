package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/kestrelhq/dromio/internal/transport/http/handler"
	"github.com/kestrelhq/dromio/internal/transport/http/middleware"
)

// NewRouter wires the admin API: job CRUD, adhoc run triggers, run
// history, and Clerk-or-HS256 auth gating everything but the magic
// link endpoints.
func NewRouter(logger *slog.Logger, jobHandler *handler.JobHandler, authHandler *handler.AuthHandler, jwksURL string, hmacKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	r.POST("/auth/magic-link", authHandler.RequestMagicLink)
	r.GET("/auth/verify", authHandler.Verify)

	authMW := middleware.Auth(jwksURL, hmacKey)

	jobs := r.Group("/jobs", authMW)
	jobs.GET("", jobHandler.List)
	jobs.POST("", jobHandler.Create)
	jobs.GET("/:id", jobHandler.GetByID)
	jobs.DELETE("/:id", jobHandler.Delete)
	jobs.POST("/:id/enable", jobHandler.Enable)
	jobs.POST("/:id/disable", jobHandler.Disable)
	jobs.POST("/:id/runs", jobHandler.TriggerRun)
	jobs.GET("/:id/runs", jobHandler.ListRuns)

	runs := r.Group("/runs", authMW)
	runs.POST("/:id/cancel", jobHandler.CancelRun)

	return r
}
