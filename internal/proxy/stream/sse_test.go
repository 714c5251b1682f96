package stream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plainWriter struct {
	http.ResponseWriter
}

func TestNewWriterRequiresFlusher(t *testing.T) {
	_, err := NewWriter(plainWriter{})
	require.Error(t, err)
}

func TestWriterHeadersAndFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	w.WriteHeaders()
	require.NoError(t, w.Send("message_start", map[string]string{"kind": "x"}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)
	assert.Equal(t, "event: message_start\ndata: {\"kind\":\"x\"}\n\n", rec.Body.String())
}

func TestWriterRejectsUnmarshalableData(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	assert.Error(t, w.Send("event", make(chan int)))
	assert.Empty(t, rec.Body.String())
}
