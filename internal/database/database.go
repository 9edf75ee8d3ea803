package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/models"
)

type Database struct {
	pool *pgxpool.Pool
}

func New(cfg *config.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{pool: pool}, nil
}

func (db *Database) Close() {
	db.pool.Close()
}

func (db *Database) Pool() *pgxpool.Pool {
	return db.pool
}

// Migrate runs database migrations
func (db *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS call_statistics (
			identity VARCHAR(320) PRIMARY KEY,
			total_calls BIGINT NOT NULL DEFAULT 0,
			total_duration_ms BIGINT NOT NULL DEFAULT 0,
			encrypted_calls BIGINT NOT NULL DEFAULT 0,
			video_calls BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// StatsRepository stores call statistics so they survive relay restarts.
// It satisfies stats.Store.
type StatsRepository struct {
	db *Database
}

func NewStatsRepository(db *Database) *StatsRepository {
	return &StatsRepository{db: db}
}

func (r *StatsRepository) Add(ctx context.Context, identity string, rec models.CallRecord) error {
	var video int64
	if rec.HasVideo {
		video = 1
	}

	query := `
		INSERT INTO call_statistics (identity, total_calls, total_duration_ms, encrypted_calls, video_calls)
		VALUES ($1, 1, $2, 1, $3)
		ON CONFLICT (identity) DO UPDATE SET
			total_calls = call_statistics.total_calls + 1,
			total_duration_ms = call_statistics.total_duration_ms + EXCLUDED.total_duration_ms,
			encrypted_calls = call_statistics.encrypted_calls + 1,
			video_calls = call_statistics.video_calls + EXCLUDED.video_calls,
			updated_at = NOW()
	`
	_, err := r.db.pool.Exec(ctx, query, identity, rec.Duration.Milliseconds(), video)
	return err
}

func (r *StatsRepository) Get(ctx context.Context, identity string) (models.CallStatistics, error) {
	var st models.CallStatistics
	query := `
		SELECT total_calls, total_duration_ms, encrypted_calls, video_calls
		FROM call_statistics WHERE identity = $1
	`
	err := r.db.pool.QueryRow(ctx, query, identity).Scan(
		&st.TotalCalls, &st.TotalDuration, &st.EncryptedCalls, &st.VideoCalls,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CallStatistics{}, nil
	}
	if err != nil {
		return models.CallStatistics{}, err
	}
	return st, nil
}
