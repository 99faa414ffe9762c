package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/motorblog/blogcache/blog"
	"github.com/motorblog/blogcache/bus"
	"github.com/motorblog/blogcache/cache"
	"github.com/motorblog/blogcache/events"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves the operator endpoints of the cache bus
type AdminHandlers struct {
	bus          *bus.Bus
	cache        *cache.Cache
	categories   *blog.Categories
	awaitTimeout time.Duration
}

// NewAdminHandlers creates a new AdminHandlers instance. categories may be
// nil, in which case the category routes answer 404.
func NewAdminHandlers(b *bus.Bus, c *cache.Cache, categories *blog.Categories, awaitTimeout time.Duration) *AdminHandlers {
	return &AdminHandlers{
		bus:          b,
		cache:        c,
		categories:   categories,
		awaitTimeout: awaitTimeout,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"data": data,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// formatRecord converts a record to its JSON shape
func formatRecord(rec events.Record) map[string]interface{} {
	return map[string]interface{}{
		"name":     rec.Name,
		"position": rec.Position,
		"id":       rec.ID.String(),
		"time":     formatTimestamp(rec.Time()),
	}
}

// formatTimestamp returns t as ISO 8601, or "" for the zero time
func formatTimestamp(t time.Time) string {
	if t.IsZero() || t.UnixNano() == 0 {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
