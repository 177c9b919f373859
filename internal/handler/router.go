package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"auth-core/internal/config"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth      *AuthHandler
	TwoFactor *TwoFactorHandler // nil when 2FA is switched off
	Admin     *AdminHandler
	Health    *HealthHandler
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg *config.Config, handlers Handlers, limiter RateLimiter, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Middleware stack
	router.Use(middleware.RequestID)
	if cfg.Server.TrustProxy {
		router.Use(middleware.RealIP)
	}
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	if cfg.Server.RequireHTTPS {
		router.Use(requireHTTPS(cfg.Server.TrustProxy))
	}

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", csrfHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", handlers.Health.Live)
	router.Get("/health/ready", handlers.Health.Ready)

	loginThrottle := Throttle(limiter, "login", cfg.RateLimit.AuthMax, cfg.RateLimit.AuthWindow, logger)
	handlers.Auth.RegisterRoutes(router, loginThrottle)
	if handlers.TwoFactor != nil {
		handlers.TwoFactor.RegisterRoutes(router)
	}
	handlers.Admin.RegisterRoutes(router)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "endpoint not found")
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return router
}
