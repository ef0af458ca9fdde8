package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/middleware"
)

func (a *AppContext) setupRoutes() {
	r := a.Router
	cfg := a.Config

	// ── Global Middleware (outermost → innermost) ──
	r.Use(middleware.Logger())   // 1. Request logging
	r.Use(middleware.Recovery()) // 2. Panic recovery
	r.Use(middleware.Metrics())  // 3. Request metrics by route
	if cfg.App.IsDevelopment() {
		r.Use(middleware.ErrorDetail())
	}
	r.Use(middleware.Auth(a.Validator, middleware.DefaultPublicPaths...)) // 4. Bearer auth
	r.Use(middleware.RateLimit(a.RateLimiter))                            // 5. Per-user (or IP) rate limiting

	// ── Public ──
	r.GET("/health", a.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", a.Gateway.Serve)
	if cfg.App.IsDevelopment() {
		r.POST("/auth/token", a.AuthHandler.GenerateToken)
	}

	timeout := middleware.Timeout(cfg.Server.RequestTimeout)
	breaker := middleware.CircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.Cooldown())
	idempotent := middleware.Idempotency(a.IdempotencyStore)
	mutations := middleware.Bulkhead(cfg.Bulkhead.MutationPool)

	// ── Deliveries ──
	deliveries := r.Group("/deliveries", timeout)
	{
		// Dispatch depends on the order service, hence the breaker.
		deliveries.POST("/assign",
			middleware.RoleGuard(auth.RoleRestaurant, auth.RoleAdmin, auth.RoleService),
			mutations, breaker, idempotent, a.DispatchHandler.Assign)

		deliveries.GET("/driver/current", middleware.RoleGuard(auth.RoleDriver), a.DeliveryHandler.CurrentForDriver)
		deliveries.GET("/track/:id", a.DeliveryHandler.Track)
		deliveries.GET("/:id", a.DeliveryHandler.Get)

		deliveries.PATCH("/:id/status", middleware.RoleGuard(auth.RoleDriver),
			mutations, idempotent, a.DeliveryHandler.UpdateStatus)
		deliveries.PATCH("/:id/location", middleware.RoleGuard(auth.RoleDriver),
			middleware.Bulkhead(cfg.Bulkhead.LocationPool), a.DeliveryHandler.UpdateLocation)
		deliveries.POST("/:id/cancel", middleware.RoleGuard(auth.RoleRestaurant, auth.RoleAdmin, auth.RoleService),
			mutations, idempotent, a.DeliveryHandler.Cancel)
		deliveries.POST("/:id/respond", middleware.RoleGuard(auth.RoleDriver),
			mutations, idempotent, a.DispatchHandler.Respond)
	}

	// ── Drivers ──
	drivers := r.Group("/drivers", timeout)
	{
		driverOnly := middleware.RoleGuard(auth.RoleDriver)
		drivers.PATCH("/availability", driverOnly, mutations, a.DriversHandler.SetAvailability)
		drivers.PATCH("/location", driverOnly, middleware.Bulkhead(cfg.Bulkhead.LocationPool), a.DriversHandler.Heartbeat)
		drivers.GET("/earnings/current", driverOnly, a.EarningsHandler.Current)
		drivers.GET("/available", middleware.RoleGuard(auth.RoleRestaurant, auth.RoleAdmin, auth.RoleService), a.DriversHandler.ListAvailable)
	}

	// ── Admin ──
	adminGroup := r.Group("/admin", timeout)
	adminGroup.Use(middleware.RoleGuard(auth.RoleAdmin))
	adminGroup.Use(middleware.Bulkhead(cfg.Bulkhead.AdminPool))
	{
		adminGroup.GET("/deliveries", a.AdminHandler.ListDeliveries)
		adminGroup.GET("/drivers/available", a.AdminHandler.ListDrivers)
		adminGroup.POST("/orders/:orderId/dispatch", breaker, idempotent, a.AdminHandler.Redispatch)
		adminGroup.POST("/effects/replay", a.AdminHandler.ReplayEffects)
	}
}
