package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/crypto"
	"github.com/secure-relay/internal/models"
	"github.com/secure-relay/internal/relay"
)

func startRelay(t *testing.T) (*relay.Hub, string) {
	t.Helper()
	hub := relay.NewHub(relay.Options{})
	srv := relay.NewServer(hub, config.Default().Relay, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return hub, ts.URL
}

func dialClient(t *testing.T, url, email string) (*Client, *Reconciler) {
	t.Helper()
	rec := NewReconciler(email, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{URL: url, Email: email}, rec)
	if err != nil {
		t.Fatalf("Dial(%s): %v", email, err)
	}
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientEncryptedConversation(t *testing.T) {
	hub, url := startRelay(t)
	alice, aliceSessions := dialClient(t, url, "alice@example.com")
	bob, bobSessions := dialClient(t, url, "bob@example.com")
	waitFor(t, func() bool { return hub.IsOnline("alice@example.com") && hub.IsOnline("bob@example.com") })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := alice.ConnectTo("bob@example.com"); err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	if _, err := alice.Await(ctx, models.EventConnectionEstablished); err != nil {
		t.Fatalf("await connection_established: %v", err)
	}

	key, _ := crypto.GenerateRandomBytes(crypto.KeySize)
	sent, err := alice.SendText("bob@example.com", "meet at noon", key)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	env, err := bob.Await(ctx, models.EventMessageReceived)
	if err != nil {
		t.Fatalf("await message_received: %v", err)
	}
	var got models.Message
	env.Decode(&got)
	if got.ID != sent.ID || got.Sender != "alice@example.com" || got.Type != models.MessageTypeEncryptedText {
		t.Errorf("Unexpected delivered message %+v", got)
	}
	plain, err := crypto.Open(key, got.Content)
	if err != nil || string(plain) != "meet at noon" {
		t.Errorf("Expected decryptable content, got %q %v", plain, err)
	}

	if s, ok := bobSessions.Session("alice@example.com"); !ok || len(s.Messages) != 1 {
		t.Errorf("Expected bob's session to hold the message, got %+v", s)
	}
	if s, ok := aliceSessions.Session("bob@example.com"); !ok || len(s.Messages) != 1 {
		t.Errorf("Expected alice's session to hold the sent message, got %+v", s)
	}
}

func TestClientRelayError(t *testing.T) {
	hub, url := startRelay(t)
	alice, aliceSessions := dialClient(t, url, "alice@example.com")
	waitFor(t, func() bool { return hub.IsOnline("alice@example.com") })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := alice.SendText("bob@example.com", "hello?", nil); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	_, err := alice.Await(ctx, models.EventMessageReceived)
	var relayErr *RelayError
	if !errors.As(err, &relayErr) || relayErr.Code != relay.CodeNotConnected {
		t.Fatalf("Expected not_connected relay error, got %v", err)
	}

	// the local history is kept for a retry
	if s, ok := aliceSessions.Session("bob@example.com"); !ok || len(s.Messages) != 1 {
		t.Errorf("Expected local session kept after NotConnected, got %+v", s)
	}
}
