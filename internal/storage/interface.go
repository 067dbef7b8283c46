package storage

import (
	"pyceon-backend/internal/model"
)

// DefaultMaxMessages is the sliding window used when a caller passes a
// non-positive limit to Append.
const DefaultMaxMessages = 20

// SessionStore owns session lifecycle and bounded message history. Sessions
// live for the lifetime of the process; there is no delete or expiry.
type SessionStore interface {
	// GetOrCreate returns the session registered under sessionID, or creates
	// one. An empty sessionID gets a freshly generated identifier.
	GetOrCreate(sessionID string) (string, *Session)

	// Append adds a message and trims the oldest entries so that at most
	// maxMessages remain.
	Append(session *Session, role model.Role, content string, maxMessages int) (model.Message, error)

	// Snapshot returns an independent copy of the session history.
	Snapshot(session *Session) []model.Message

	// Count reports the number of live sessions.
	Count() int
}
