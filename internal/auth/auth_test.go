package auth

import (
	"testing"
	"time"
)

func TestValidUsername(t *testing.T) {
	valid := []string{"alice", "bob.smith", "web-user", "db_admin", "User123", "a"}
	for _, name := range valid {
		if !ValidUsername(name) {
			t.Errorf("ValidUsername(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "alice bob", "a;rm -rf /", "user$", "née", "a\nb", "user!", "p@ss"}
	for _, name := range invalid {
		if ValidUsername(name) {
			t.Errorf("ValidUsername(%q) = true, want false", name)
		}
	}
}

func TestSessionCreateAndGet(t *testing.T) {
	store := NewSessionStore()

	token, err := store.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("token length = %d, want 64 hex chars", len(token))
	}

	username, ok := store.Get(token)
	if !ok || username != "alice" {
		t.Fatalf("Get = (%q, %v), want (alice, true)", username, ok)
	}

	if _, ok := store.Get("deadbeef"); ok {
		t.Fatal("Get with unknown token succeeded")
	}
}

func TestSessionTokensUnique(t *testing.T) {
	store := NewSessionStore()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := store.Create("alice")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate token after %d creates", i)
		}
		seen[token] = true
	}
}

func TestSessionDelete(t *testing.T) {
	store := NewSessionStore()
	token, err := store.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	store.Delete(token)
	if _, ok := store.Get(token); ok {
		t.Fatal("Get succeeded after Delete")
	}
	// Deleting again is harmless.
	store.Delete(token)
}

func TestSessionExpiry(t *testing.T) {
	store := NewSessionStore()
	token, err := store.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	store.mu.Lock()
	store.sessions[token] = sessionEntry{
		Username:  "alice",
		CreatedAt: time.Now().Add(-SessionDuration - time.Minute),
	}
	store.mu.Unlock()

	if _, ok := store.Get(token); ok {
		t.Fatal("Get succeeded for an expired token")
	}
}

func TestSessionCleanup(t *testing.T) {
	store := NewSessionStore()

	fresh, err := store.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stale, err := store.Create("bob")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	store.mu.Lock()
	store.sessions[stale] = sessionEntry{
		Username:  "bob",
		CreatedAt: time.Now().Add(-SessionDuration - time.Minute),
	}
	store.mu.Unlock()

	store.Cleanup()

	if store.Count() != 1 {
		t.Fatalf("Count after Cleanup = %d, want 1", store.Count())
	}
	if _, ok := store.Get(fresh); !ok {
		t.Fatal("fresh session removed by Cleanup")
	}
}
