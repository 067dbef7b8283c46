package storage

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"pyceon-backend/internal/model"
)

// Session is a bounded conversation history. The history is guarded by the
// session's own lock so that appends on different sessions never contend.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	messages []model.Message
}

// Len reports the current history length.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type MemoryStorage struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	now func() time.Time
}

var _ SessionStore = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// NewSessionID returns 128 random bits as 32 lowercase hex characters.
func NewSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is unusable
		panic("storage: cannot read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (m *MemoryStorage) GetOrCreate(sessionID string) (string, *Session) {
	if sessionID != "" {
		m.mu.RLock()
		session, exists := m.sessions[sessionID]
		m.mu.RUnlock()
		if exists {
			return sessionID, session
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := sessionID
	if id == "" {
		id = NewSessionID()
	} else if session, exists := m.sessions[id]; exists {
		// created by a concurrent request between the two locks
		return id, session
	}

	session := &Session{
		ID:        id,
		CreatedAt: m.now(),
		messages:  make([]model.Message, 0),
	}
	m.sessions[id] = session
	return id, session
}

func (m *MemoryStorage) Append(session *Session, role model.Role, content string, maxMessages int) (model.Message, error) {
	if session == nil {
		return model.Message{}, ErrNilSession
	}
	if !role.Valid() {
		return model.Message{}, ErrInvalidRole
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}

	message := model.Message{
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	session.messages = append(session.messages, message)
	if overflow := len(session.messages) - maxMessages; overflow > 0 {
		// copy into a fresh slice so the dropped prefix can be collected
		kept := make([]model.Message, maxMessages)
		copy(kept, session.messages[overflow:])
		session.messages = kept
	}

	return message, nil
}

func (m *MemoryStorage) Snapshot(session *Session) []model.Message {
	if session == nil {
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	messages := make([]model.Message, len(session.messages))
	copy(messages, session.messages)
	return messages
}

func (m *MemoryStorage) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
