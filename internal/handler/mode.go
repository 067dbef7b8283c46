package handler

import (
	"net/url"
	"strings"
)

// Mode is the response framing chosen for one /guide request.
type Mode int

const (
	ModeJSON Mode = iota
	ModeSSE
	ModeRaw
)

func (m Mode) String() string {
	switch m {
	case ModeSSE:
		return "sse"
	case ModeRaw:
		return "raw"
	default:
		return "json"
	}
}

// ClassifyMode picks the framing from the Accept header and query string.
// Raw wins over SSE, JSON is the fallback.
func ClassifyMode(accept string, query url.Values) Mode {
	raw := query.Get("raw")
	if raw == "1" || raw == "true" || strings.Contains(accept, "text/plain") {
		return ModeRaw
	}
	if strings.Contains(accept, "text/event-stream") {
		return ModeSSE
	}
	return ModeJSON
}
