package utils

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// SSEWriter frames Server-Sent Events onto a response. Writes from the relay
// loop and the heartbeat goroutine are serialized.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers and flushes them so the client
// sees the response start before the first event.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one event. Each line of data becomes its own data field
// so that embedded newlines survive the framing.
func (s *SSEWriter) WriteEvent(event, data string) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	return s.write(b.String())
}

// Heartbeat writes a comment frame.
func (s *SSEWriter) Heartbeat() error {
	return s.write(":\n\n")
}

func (s *SSEWriter) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write([]byte(frame)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
