package api

import (
	"mediagate/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) (*echo.Echo, *RateLimiter) {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", HeaderUserID},
	}))
	e.Use(RequestLogger())

	// Rate limiter on submission only
	submitLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	e.GET("/health", handler.HandleHealth)

	v1 := e.Group("/api/v1")

	// Jobs
	v1.POST("/jobs", handler.HandleSubmit, submitLimiter.Middleware())
	v1.GET("/jobs/:id", handler.HandleGetJob)
	v1.DELETE("/jobs/:id", handler.HandleCancelJob)
	v1.GET("/jobs/:id/output", handler.HandleOutput)

	// Users
	v1.GET("/users/:user/settings", handler.HandleGetSettings)
	v1.PATCH("/users/:user/settings", handler.HandleUpdateSettings)
	v1.POST("/users/:user/settings/reset", handler.HandleResetSettings)
	v1.GET("/users/:user/history", handler.HandleHistory)
	v1.GET("/users/:user/stats", handler.HandleStats)
	v1.GET("/users/:user/limits", handler.HandleLimits)

	// Events
	v1.GET("/events", handler.HandleEvents)
	v1.GET("/events/stream", handler.HandleEventStream)

	// Admin
	v1.POST("/admin/users/:user/tier", handler.HandleSetTier)

	return e, submitLimiter
}
