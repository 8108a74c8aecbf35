package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"playbookd/internal/engine"
	"playbookd/internal/stream"
)

// HandleStream subscribes a client to a task's live output over Server-Sent
// Events. The stream carries "line", "stderr", and "status" events and ends
// after the terminal status event.
//
// GET /tasks/{id}/stream
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	ch, cancel, err := h.engine.Subscribe(id)
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	// Periodic comments keep idle connections alive through proxies.
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			if ev.Type == stream.EventStatus && engine.IsTerminal(ev.Status) {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev stream.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	// SSE requires each line of a multi-line payload to have its own "data:"
	// prefix; a raw newline would break the event boundary.
	for _, line := range strings.Split(string(payload), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
