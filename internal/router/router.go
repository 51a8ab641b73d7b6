package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"vigila-backend/internal/handlers"
	"vigila-backend/internal/metrics"
	"vigila-backend/internal/middleware"
	"vigila-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	sessionHandler *handlers.SessionHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Session creation happens once per exam attempt; keep the limit tight.
	createLimiter := middleware.NewRateLimiter(20, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Test Session Routes ────
		r.Route("/test-sessions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(createLimiter.Middleware)
				r.Post("/", sessionHandler.Create)
			})
			r.Post("/{id}/end", sessionHandler.End)

			// Admin review endpoints
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Get("/", sessionHandler.List)
				r.Get("/{id}", sessionHandler.Get)
			})
		})

		// ──── WebSocket Routes ────
		r.Get("/ws", wsHub.HandleSession)
		r.Get("/ws/admin", wsHub.HandleAdmin)
	})

	return r
}
