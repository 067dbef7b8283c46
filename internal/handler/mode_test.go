package handler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMode(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		query  string
		want   Mode
	}{
		{"default json", "", "", ModeJSON},
		{"application json", "application/json", "", ModeJSON},
		{"sse", "text/event-stream", "", ModeSSE},
		{"plain text", "text/plain", "", ModeRaw},
		{"raw query 1", "", "raw=1", ModeRaw},
		{"raw query true", "", "raw=true", ModeRaw},
		{"raw query other", "", "raw=yes", ModeJSON},
		{"raw beats sse header", "text/event-stream", "raw=1", ModeRaw},
		{"plain beats sse in one header", "text/event-stream, text/plain", "", ModeRaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, ClassifyMode(tt.accept, q))
			// pure: same inputs, same answer
			assert.Equal(t, ClassifyMode(tt.accept, q), ClassifyMode(tt.accept, q))
		})
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "json", ModeJSON.String())
	assert.Equal(t, "sse", ModeSSE.String())
	assert.Equal(t, "raw", ModeRaw.String())
}
