// Package session implements SessionStore: a per-process registry of
// session_id -> agent SDK client, letting follow-up messages on the same
// session reuse an existing connection instead of reconnecting, grounded on
// the `_clients` class dict and close_client/close_all_clients classmethods
// of original_source/executor/agents/claude_code/claude_code_agent.go.
package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Client is anything a session entry can close; agent engines implement
// this over their own SDK client type.
type Client interface {
	Close() error
}

// Store is a single-process session_id -> Client registry. The executor
// process runs one event loop per container, so a plain mutex-guarded map
// is sufficient; there is no cross-process sharing.
type Store struct {
	mu      sync.Mutex
	clients map[string]Client
	log     zerolog.Logger
}

func New(log zerolog.Logger) *Store {
	return &Store{
		clients: make(map[string]Client),
		log:     log.With().Str("component", "session_store").Logger(),
	}
}

// Put registers or replaces the client for a session_id.
func (s *Store) Put(sessionID string, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[sessionID] = c
}

// Get returns the client for a session_id, if any.
func (s *Store) Get(sessionID string) (Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[sessionID]
	return c, ok
}

// Close closes and forgets the client for a session_id. Idempotent: closing
// an unknown or already-closed session_id is a no-op that reports false.
func (s *Store) Close(sessionID string) bool {
	s.mu.Lock()
	c, ok := s.clients[sessionID]
	if ok {
		delete(s.clients, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if err := c.Close(); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("error closing session client")
	}
	return true
}

// CloseAll closes every registered client and empties the store. Idempotent.
func (s *Store) CloseAll() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]Client)
	s.mu.Unlock()

	for sessionID, c := range clients {
		if err := c.Close(); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("error closing session client")
		}
	}
}

// Len reports the number of live sessions, for diagnostics/metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
