package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"qms/clinic-queue/internal/logging"
)

// handleStream serves a clinic's snapshots as server-sent events. The stream
// lives until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	clinicID, ok := clinicIDFromQuery(w, r, requestID)
	if !ok {
		return
	}

	ctx := r.Context()
	sub, err := h.hub.Subscribe(ctx, clinicID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			RequestID: requestID,
			Error: responseError{
				Code:      "unavailable",
				Message:   "live updates unavailable",
				Retryable: true,
			},
		})
		return
	}
	defer h.hub.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	// the server's WriteTimeout would otherwise cut the stream
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: connected\ndata: \"ok\"\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	logger := logging.FromContext(ctx).With().Int64("clinic_id", clinicID).Str("subscription", sub.ID).Logger()
	logger.Debug().Msg("stream opened")
	defer logger.Debug().Msg("stream closed")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case snapshot := <-sub.Updates():
			payload, err := json.Marshal(snapshot)
			if err != nil {
				logger.Error().Err(err).Msg("encode snapshot")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
