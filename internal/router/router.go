package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-marketplace/internal/config"
	"github.com/iliyamo/ticket-marketplace/internal/handler"
	"github.com/iliyamo/ticket-marketplace/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	// Used by load balancers and monitoring to verify the service is up.
	e.GET("/healthz", handler.Health)
}

// RegisterTransactions registers the buyer-facing lifecycle endpoints and
// applies the necessary middleware.  All routes require a valid access
// token; reservation creation additionally passes through the Redis token
// bucket so a single buyer cannot hammer the inventory ledger.  The rdb
// client may be nil, in which case rate limiting is disabled.
func RegisterTransactions(e *echo.Echo, t *handler.TransactionHandler, jwtSecret string, rdb *redis.Client) {
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)

	g := e.Group("/v1")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole("BUYER", "ORGANIZER"))

	// Reservation creation is the contended path; it gets the limiter.
	g.POST("/transactions", t.Reserve, limiter)
	g.POST("/transactions/:id/proof", t.SubmitProof)
	g.POST("/transactions/:id/cancel", t.Cancel)
	g.GET("/transactions/:id", t.GetTransaction)
	g.GET("/my-transactions", t.ListTransactions)
}

// RegisterAdmin registers the organizer decision endpoints.  Routes live
// under /v1/admin and require the ORGANIZER role on top of a valid token.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwtSecret string) {
	g := e.Group("/v1/admin")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole("ORGANIZER"))

	g.GET("/transactions", a.ListAwaitingDecision)
	g.POST("/transactions/:id/decision", a.Decide)
}
