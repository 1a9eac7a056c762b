package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parleychat/parley/internal/api/middleware"
	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/delivery"
	"github.com/parleychat/parley/internal/handlers"
	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/ws"
)

// Deps carries the wired services the router exposes over HTTP.
type Deps struct {
	Store     store.Store
	Registry  *presence.Registry
	Router    *delivery.Router
	Tokens    *auth.TokenIssuer
	Redis     *redis.Client // optional; enables rate limiting
	UploadDir string

	RateLimitWhitelist []string
	AutoBlockEnabled   bool
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting, enabled when Redis is configured
	if deps.Redis != nil {
		limiter := middleware.NewRateLimiter(deps.Redis, logger, middleware.RateLimiterConfig{
			Whitelist:        deps.RateLimitWhitelist,
			AutoBlockEnabled: deps.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	}

	// CORS - browser clients connect from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(deps.Store, deps.Router, deps.Registry, deps.Tokens, deps.UploadDir, logger)
	authmw := middleware.NewAuthMiddleware(deps.Tokens)
	wsServer := ws.NewServer(deps.Store, deps.Registry, deps.Router, deps.Tokens, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)

	// WebSocket upgrade; authenticates via token before upgrading
	r.Get("/ws", wsServer.ServeHTTP)

	// Voice message files, content-addressed
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(deps.UploadDir))))

	// Authenticated routes (require bearer token)
	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth)
		// JSON bodies on these routes are small; voice uploads have their
		// own cap inside the handler.
		r.Use(middleware.MaxBodySize(16 << 20))

		r.Get("/contacts", h.Contacts)
		r.Get("/unread", h.Unread)
		r.Get("/history/group/{id}", h.GroupHistory)
		r.Get("/history/{peer}", h.DirectHistory)

		r.Get("/groups", h.ListGroups)
		r.Post("/groups", h.CreateGroup)
		r.Post("/groups/{id}/rename", h.RenameGroup)
		r.Put("/groups/{id}/members", h.SetGroupMembers)
		r.Delete("/groups/{id}", h.DeleteGroup)

		r.Post("/send_audio", h.SendAudio)
	})

	return r
}
