// Package telemetry fans live call events out to dashboard clients over
// Server-Sent Events. Delivery is best-effort: a subscriber that cannot keep
// up is dropped rather than allowed to stall the calls feeding the hub.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event names pushed to subscribers.
const (
	EventTranscriptPartial = "transcript_partial"
	EventTranscriptFinal   = "transcript_final"
	EventGraphResult       = "graph_result"
	EventGraphError        = "graph_error"
	EventLLMFirstTokenMS   = "llm_first_token_ms"
	EventTTSFirstByteMS    = "tts_first_byte_ms"
	EventCallStarted       = "call_started"
	EventCallEnded         = "call_ended"
)

const (
	subscriberBuffer = 32
	pingEvery        = 25 * time.Second
)

// Event is one hub message.
type Event struct {
	Name string
	Data any
}

// Hub is the process-wide event fan-out.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}

	ping time.Duration
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, subs: map[chan Event]struct{}{}, ping: pingEvery}
}

// Publish delivers an event to every subscriber. Slow subscribers are
// disconnected.
func (h *Hub) Publish(name string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- Event{Name: name, Data: data}:
		default:
			h.log.Warn("dropping slow telemetry subscriber")
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel must be called
// when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP implements GET /events as an SSE stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, cancel := h.Subscribe()
	defer cancel()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				h.log.Warn("telemetry event marshal failed", "event", ev.Name, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()

		case <-ticker.C:
			// Comment line keeps intermediaries from timing the stream out.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
