package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleCacheKeys lists the populated cache slots
func (h *AdminHandlers) handleCacheKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.cache.Keys()
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// handleCacheInvalidate clears one slot in this process only; other
// processes are reached by emitting the bound event instead
func (h *AdminHandlers) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	h.cache.Invalidate(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}
