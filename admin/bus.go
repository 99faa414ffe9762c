package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/motorblog/blogcache/bus"
	"github.com/motorblog/blogcache/events"
	"github.com/rs/zerolog/log"
)

// handleBusStats returns the bus and tailer state
func (h *AdminHandlers) handleBusStats(w http.ResponseWriter, r *http.Request) {
	stats := h.bus.Stats()

	response := map[string]interface{}{
		"backend":       stats.Backend,
		"running":       stats.Running,
		"subscriptions": stats.Subscriptions,
		"tailer": map[string]interface{}{
			"state":      stats.Tailer.State.String(),
			"position":   stats.Tailer.Position,
			"last_event": stats.Tailer.LastEvent,
			"dispatched": stats.Tailer.Dispatched,
			"restarts":   stats.Tailer.Restarts,
		},
	}

	writeJSONResponse(w, http.StatusOK, response)
}

// handleEmit appends an event. With ?await=true it answers once the event
// has been dispatched locally, or 202 when the wait timed out.
func (h *AdminHandlers) handleEmit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := events.ValidateName(name); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	await := false
	if v := r.URL.Query().Get("await"); v != "" {
		var err error
		if await, err = strconv.ParseBool(v); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid await parameter")
			return
		}
	}

	ctx := r.Context()
	var (
		rec events.Record
		err error
	)
	if await {
		if h.awaitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.awaitTimeout)
			defer cancel()
		}
		rec, err = h.bus.EmitAndAwait(ctx, name)
	} else {
		rec, err = h.bus.Emit(ctx, name)
	}

	switch {
	case err == nil:
		response := formatRecord(rec)
		response["propagated"] = await
		writeJSONResponse(w, http.StatusOK, response)
	case rec.Position != 0 && errors.Is(err, context.DeadlineExceeded):
		response := formatRecord(rec)
		response["propagated"] = false
		writeJSONResponse(w, http.StatusAccepted, response)
	case errors.Is(err, bus.ErrNotStarted):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Str("event", name).Msg("Admin emit failed")
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}
