package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupMirror(t *testing.T) *RedisMirror {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Skipping redis tests: %v", err)
	}

	m := newMirror(client, "test-"+t.Name(), time.Minute, nil)
	t.Cleanup(func() {
		m.clear()
		m.Close()
	})
	return m
}

func TestMirrorApplyAndOnline(t *testing.T) {
	m := setupMirror(t)
	ctx := context.Background()

	if err := m.apply(ctx, update{identity: "alice@example.com", connections: 2}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.apply(ctx, update{identity: "bob@example.com", connections: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.apply(ctx, update{identity: "bob@example.com", connections: 0}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	online, err := m.Online(ctx)
	if err != nil {
		t.Fatalf("Online: %v", err)
	}
	if online["alice@example.com"] != 2 {
		t.Errorf("expected alice with 2 connections, got %v", online)
	}
	if _, ok := online["bob@example.com"]; ok {
		t.Errorf("expected bob to be removed, got %v", online)
	}
}

func TestMirrorSyncReplaces(t *testing.T) {
	m := setupMirror(t)
	ctx := context.Background()

	_ = m.apply(ctx, update{identity: "stale@example.com", connections: 1})
	if err := m.Sync(ctx, map[string]int{"carol@example.com": 3}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	fields, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(fields) != 1 || fields["carol@example.com"] != "3" {
		t.Errorf("unexpected mirrored hash: %v", fields)
	}
}
