package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/motorblog/blogcache/blog"
	"github.com/rs/zerolog/log"
)

func (h *AdminHandlers) requireCategories(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.categories == nil {
			writeErrorResponse(w, http.StatusNotFound, "categories store not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleListCategories returns the cached category list with an ETag
func (h *AdminHandlers) handleListCategories(w http.ResponseWriter, r *http.Request) {
	list, err := h.categories.List(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Tag the slice being sent; a second read could see a newer list
	etag := blog.DigestOf(list)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSONResponse(w, http.StatusOK, list)
}

// handleCreateCategory adds a category from a {"slug", "name"} body
func (h *AdminHandlers) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req blog.Category
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.categories.Create(r.Context(), req.Slug, req.Name)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusCreated, created)
	case errors.Is(err, blog.ErrExists):
		writeErrorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, blog.ErrInvalidSlug), req.Name == "":
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("slug", req.Slug).Msg("Failed to create category")
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// handleDeleteCategory removes a category by slug
func (h *AdminHandlers) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	err := h.categories.Delete(r.Context(), slug)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, blog.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Str("slug", slug).Msg("Failed to delete category")
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}
