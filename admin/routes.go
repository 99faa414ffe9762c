package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, token string) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(token))

	// Event bus
	r.Route("/bus", func(r chi.Router) {
		r.Get("/", handlers.handleBusStats)
		r.Post("/events/{name}", handlers.handleEmit)
	})

	// Local cache slots
	r.Route("/cache", func(r chi.Router) {
		r.Get("/", handlers.handleCacheKeys)
		r.Delete("/{key}", handlers.handleCacheInvalidate)
	})

	// Live event stream for open editors
	r.Get("/live", handlers.handleLive)

	// Blog categories
	r.Route("/categories", func(r chi.Router) {
		r.Use(handlers.requireCategories)
		r.Get("/", handlers.handleListCategories)
		r.Post("/", handlers.handleCreateCategory)
		r.Delete("/{slug}", handlers.handleDeleteCategory)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Bool("auth", token != "").Msg("Admin endpoints enabled at /admin/*")
}
