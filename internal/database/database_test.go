package database

import (
	"context"
	"testing"
	"time"

	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/models"
)

// setupTestDB connects to a local PostgreSQL; the tests are skipped when none
// is reachable.
func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Database:        "secure_relay_test",
			SSLMode:         "disable",
			MaxOpenConns:    4,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
	}

	db, err := New(&cfg.Database)
	if err != nil {
		t.Skipf("Skipping DB tests: failed to connect to test DB: %v", err)
	}

	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	db.Pool().Exec(context.Background(), "DELETE FROM call_statistics")

	cleanup := func() {
		db.Pool().Exec(context.Background(), "DELETE FROM call_statistics")
		db.Close()
	}
	return db, cleanup
}

func TestStatsRepositoryAccumulates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewStatsRepository(db)
	ctx := context.Background()

	if err := repo.Add(ctx, "alice@example.com", models.CallRecord{Duration: 3 * time.Second, HasVideo: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := repo.Add(ctx, "alice@example.com", models.CallRecord{Duration: 2 * time.Second}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	st, err := repo.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := models.CallStatistics{TotalCalls: 2, TotalDuration: 5000, EncryptedCalls: 2, VideoCalls: 1}
	if st != want {
		t.Errorf("Expected %+v, got %+v", want, st)
	}
}

func TestStatsRepositoryMissingIdentity(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st, err := NewStatsRepository(db).Get(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st != (models.CallStatistics{}) {
		t.Errorf("Expected zero stats, got %+v", st)
	}
}
