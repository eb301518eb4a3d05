// Package auth holds the bearer token shared by every outbound lab API call.
package auth

import "sync"

// Store is a concurrency-safe holder for the session bearer token. Outbound
// clients read from it on every request so a token refresh takes effect
// without rebuilding the clients.
type Store struct {
	mu    sync.RWMutex
	token string
}

// NewStore creates an empty token store
func NewStore() *Store {
	return &Store{}
}

// Set replaces the current bearer token
func (s *Store) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Token returns the current bearer token, empty when unauthenticated
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Clear drops the current bearer token
func (s *Store) Clear() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}
