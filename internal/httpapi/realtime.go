package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"qms/clinic-queue/internal/hub"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog/log"
)

type realtimeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// realtimeHandler serves SockJS clients that cannot hold an EventSource. A
// session follows one clinic at a time, chosen by a subscribe message.
func (h *Handler) realtimeHandler() http.Handler {
	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, h.handleSession)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// xhr-streaming and eventsource hold the response open like SSE does
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		sockjsHandler.ServeHTTP(w, r)
	})
}

func (h *Handler) handleSession(session sockjs.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var current *hub.Subscription
	unsubscribe := func() {
		if current != nil {
			h.hub.Unsubscribe(current)
			current = nil
		}
	}
	defer unsubscribe()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := hub.ParseSubscribe([]byte(msg))
		if !ok {
			sendRealtimeError(session, "expected {\"action\":\"subscribe\",\"clinic_id\":N}")
			continue
		}
		unsubscribe()
		if parsed.Action == "unsubscribe" {
			continue
		}
		sub, err := h.hub.Subscribe(ctx, parsed.ClinicID)
		if err != nil {
			_ = session.Close(4003, "live updates unavailable")
			return
		}
		current = sub
		go pump(session, sub)
	}
}

func pump(session sockjs.Session, sub *hub.Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case snapshot := <-sub.Updates():
			if err := session.Send(string(hub.Encode(snapshot))); err != nil {
				log.Debug().Err(err).Str("subscription", sub.ID).Msg("realtime send failed")
				return
			}
		}
	}
}

func sendRealtimeError(session sockjs.Session, message string) {
	payload, _ := json.Marshal(realtimeError{Type: "error", Message: message})
	_ = session.Send(string(payload))
}
