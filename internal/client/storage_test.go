package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/secure-relay/internal/models"
)

func sampleSessions() map[string]Session {
	return map[string]Session{
		"alice@example.com_bob@example.com": {
			PairKey:      "alice@example.com_bob@example.com",
			Peer:         "bob@example.com",
			Messages:     []models.Message{msgAt("m1", "bob@example.com", 0)},
			LastActivity: t0,
			UnreadCount:  1,
		},
	}
}

func TestFileStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")
	s := NewFileStorage(path)

	loaded, err := s.Load()
	if err != nil || len(loaded) != 0 {
		t.Fatalf("Expected empty map for missing file, got %v %v", loaded, err)
	}

	if err := s.Save(sampleSessions()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Expected temp file renamed away")
	}

	loaded, err = s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := loaded["alice@example.com_bob@example.com"]
	if got.Peer != "bob@example.com" || len(got.Messages) != 1 || !got.LastActivity.Equal(t0) {
		t.Errorf("Unexpected loaded session %+v", got)
	}
}

func TestCorruptStorageDegradesToEmpty(t *testing.T) {
	tests := map[string]string{
		"garbage":         "{not json",
		"unknown version": `{"version": 99, "sessions": {}}`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sessions.json")
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}

			if _, err := NewFileStorage(path).Load(); err == nil {
				t.Error("Expected Load to report corrupt storage")
			}

			r := NewReconciler("alice@example.com", NewFileStorage(path), nil)
			if len(r.Sessions()) != 0 {
				t.Errorf("Expected empty session map, got %d", len(r.Sessions()))
			}
			r.Receive(msgAt("m1", "bob@example.com", time.Second))
			if len(r.Sessions()) != 1 {
				t.Error("Expected reconciler to keep working")
			}
		})
	}
}

func TestSQLiteStorageRoundTrip(t *testing.T) {
	s, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStorage: %v", err)
	}
	defer s.Close()

	if err := s.Save(sampleSessions()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// a second save replaces rather than appends
	if err := s.Save(sampleSessions()); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(loaded))
	}
	if got := loaded["alice@example.com_bob@example.com"]; got.UnreadCount != 1 || got.Messages[0].ID != "m1" {
		t.Errorf("Unexpected session %+v", got)
	}

	if err := s.Save(map[string]Session{}); err != nil {
		t.Fatalf("Save empty: %v", err)
	}
	loaded, _ = s.Load()
	if len(loaded) != 0 {
		t.Errorf("Expected empty after saving empty map, got %d", len(loaded))
	}
}
