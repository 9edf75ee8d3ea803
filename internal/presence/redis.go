// Package presence mirrors the relay's online identities into Redis so that
// operators and sibling relay instances can see who is connected where.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/secure-relay/internal/config"
)

const keyPrefix = "relay:presence:"

type update struct {
	identity    string
	connections int
}

// RedisMirror keeps one hash per relay instance mapping identity to its
// open connection count. Updates are applied in order by a single worker.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger

	updates chan update
}

func NewRedisMirror(cfg *config.RedisConfig, instanceID string, logger *slog.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return newMirror(client, instanceID, cfg.TTL, logger), nil
}

func newMirror(client *redis.Client, instanceID string, ttl time.Duration, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{
		client:  client,
		key:     keyPrefix + instanceID,
		ttl:     ttl,
		logger:  logger,
		updates: make(chan update, 1024),
	}
}

// Update queues a new connection count for identity; zero removes it.
// It never blocks: when the queue is full the update is dropped and the next
// Sync repairs the mirror.
func (m *RedisMirror) Update(identity string, connections int) {
	select {
	case m.updates <- update{identity: identity, connections: connections}:
	default:
		m.logger.Warn("presence mirror queue full, dropping update", "identity", identity)
	}
}

// Run applies queued updates until ctx is cancelled. snapshot is consulted
// every ttl/2 to rewrite the whole hash and refresh its expiry.
func (m *RedisMirror) Run(ctx context.Context, snapshot func() map[string]int) {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.clear()
			return
		case u := <-m.updates:
			if err := m.apply(ctx, u); err != nil {
				m.logger.Warn("presence mirror update failed", "identity", u.identity, "error", err)
			}
		case <-ticker.C:
			if snapshot == nil {
				continue
			}
			if err := m.Sync(ctx, snapshot()); err != nil {
				m.logger.Warn("presence mirror sync failed", "error", err)
			}
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, u update) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pipe := m.client.TxPipeline()
	if u.connections <= 0 {
		pipe.HDel(ctx, m.key, u.identity)
	} else {
		pipe.HSet(ctx, m.key, u.identity, strconv.Itoa(u.connections))
	}
	pipe.Expire(ctx, m.key, m.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Sync replaces the mirrored hash with counts
func (m *RedisMirror) Sync(ctx context.Context, counts map[string]int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.key)
	if len(counts) > 0 {
		values := make(map[string]interface{}, len(counts))
		for id, n := range counts {
			values[id] = strconv.Itoa(n)
		}
		pipe.HSet(ctx, m.key, values)
		pipe.Expire(ctx, m.key, m.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Online returns identities mirrored by every relay instance
func (m *RedisMirror) Online(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)

	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := m.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, err
		}
		for id, v := range fields {
			n, _ := strconv.Atoi(v)
			out[id] += n
		}
	}
	return out, iter.Err()
}

func (m *RedisMirror) clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		m.logger.Warn("presence mirror cleanup failed", "error", err)
	}
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
