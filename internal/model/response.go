package model

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry of a session history. Never mutated once stored.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// GuideResponse is the aggregate (JSON mode) reply.
type GuideResponse struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
}

// SessionEvent is the payload of the SSE "session" event.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
}

// DoneEvent is the payload of the terminal SSE "done" event.
type DoneEvent struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Sessions  int    `json:"sessions"`
}
