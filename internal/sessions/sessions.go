// Package sessions provides in-memory session management for
// multi-turn chat conversations.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/comfy-pilot/control-plane/pkg/models"
)

// Store is implemented by MemorySessionStore. internal/orchestrator does
// not use it; it declares its own narrower SessionStore interface, which
// MemorySessionStore also satisfies.
type Store interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	ListByAgent(ctx context.Context, agent string) ([]models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AppendMessage(ctx context.Context, sessionID string, msg models.ConversationMessage) error
}

// MemorySessionStore is a thread-safe in-memory Store.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*models.Session),
	}
}

// CreateSession stores a new session.
func (s *MemorySessionStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return session, nil
}

// UpdateSession replaces the session state, bumping UpdatedAt.
func (s *MemorySessionStore) UpdateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return fmt.Errorf("session %s not found", session.ID)
	}
	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = session
	return nil
}

// ListByAgent lists every session created against the named agent.
func (s *MemorySessionStore) ListByAgent(_ context.Context, agent string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.Session
	for _, sess := range s.sessions {
		if sess.Agent == agent {
			result = append(result, *sess)
		}
	}
	return result, nil
}

// DeleteSession removes a session.
func (s *MemorySessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return fmt.Errorf("session %s not found", sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// AppendMessage appends one turn to an existing session's history.
func (s *MemorySessionStore) AppendMessage(_ context.Context, sessionID string, msg models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	session.History = append(session.History, msg)
	session.UpdatedAt = time.Now().UTC()
	return nil
}
