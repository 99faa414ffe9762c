package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/motorblog/blogcache/events"
	"github.com/rs/zerolog/log"
)

// liveBuffer is how many events a slow client may lag before events are
// dropped for it
const liveBuffer = 64

var liveKeepAlive = 15 * time.Second

// handleLive streams every dispatched event as Server-Sent Events. Editors
// keep this open to reload drafts when content changes elsewhere.
func (h *AdminHandlers) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := make(chan events.Record, liveBuffer)
	sub, err := h.bus.On(events.Wildcard, func(_ context.Context, rec events.Record) error {
		select {
		case ch <- rec:
		default:
			log.Debug().Str("event", rec.Name).Msg("Live client lagging, dropped event")
		}
		return nil
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	log.Debug().Str("remote", r.RemoteAddr).Msg("Live client connected")
	defer log.Debug().Str("remote", r.RemoteAddr).Msg("Live client disconnected")

	keepAlive := time.NewTicker(liveKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case rec := <-ch:
			data, err := json.Marshal(formatRecord(rec))
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode live event")
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rec.Position, rec.Name, data)
			flusher.Flush()
		}
	}
}
