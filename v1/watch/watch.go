// Package watch exposes bus topics to live clients: Server-Sent
// Events for browsers holding a draft board open, WebSockets for
// richer clients. Handlers forward event payloads verbatim; the write
// path already shaped them for the wire.
package watch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/draftwire/lockstep/v1/eventbus"
	"github.com/draftwire/lockstep/v1/metrics"
)

// SSEHandler streams a topic's event payloads over Server-Sent
// Events. The topic is taken from the "topic" query parameter.
func SSEHandler(bus eventbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			http.Error(w, "missing topic", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), topic, ch)
		}()

		metrics.WatcherGauge.Inc()
		defer metrics.WatcherGauge.Dec()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Payload); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams a topic's event payloads over WebSocket.
// The topic is taken from the "topic" query parameter.
func WebSocketHandler(bus eventbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			http.Error(w, "missing topic", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), topic, ch)
		}()

		metrics.WatcherGauge.Inc()
		defer metrics.WatcherGauge.Dec()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, ev.Payload); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
