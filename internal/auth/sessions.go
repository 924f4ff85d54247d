package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"
)

const (
	SessionDuration = 24 * time.Hour
	SessionCookie   = "webshell_session"
)

type sessionEntry struct {
	Username  string
	CreatedAt time.Time
}

// SessionStore maps bearer tokens to authenticated usernames. Tokens live in
// memory only; restarting the process signs everyone out.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]sessionEntry
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]sessionEntry),
	}
}

// newToken derives a token from 32 random bytes salted with the current
// nanosecond clock, hashed so the raw entropy never leaves the process.
func newToken() (string, error) {
	raw := make([]byte, 40)
	if _, err := rand.Read(raw[:32]); err != nil {
		return "", err
	}
	binary.LittleEndian.PutUint64(raw[32:], uint64(time.Now().UnixNano()))
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (s *SessionStore) Create(username string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[token] = sessionEntry{
		Username:  username,
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()
	return token, nil
}

func (s *SessionStore) Get(token string) (string, bool) {
	s.mu.RLock()
	entry, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok || time.Since(entry.CreatedAt) > SessionDuration {
		return "", false
	}
	return entry.Username, true
}

func (s *SessionStore) Delete(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

func (s *SessionStore) Cleanup() {
	now := time.Now()
	s.mu.Lock()
	for token, entry := range s.sessions {
		if now.Sub(entry.CreatedAt) > SessionDuration {
			delete(s.sessions, token)
		}
	}
	s.mu.Unlock()
}

func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
