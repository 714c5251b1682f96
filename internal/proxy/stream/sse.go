// Package stream turns session events into the Anthropic SSE stream Xcode
// consumes, one streaming transform per conversation.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Writer serializes SSE frames onto one HTTP response. It satisfies
// conversation.Reply; all writes flush immediately so Xcode renders deltas
// as they arrive.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps an HTTP response for SSE. The response must support
// flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteHeaders emits the SSE response headers. Call once, before any Send.
func (w *Writer) WriteHeaders() {
	h := w.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(http.StatusOK)
	w.flusher.Flush()
}

// Send writes one named frame and flushes it.
func (w *Writer) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
