package client

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// snapshotVersion is the on-disk format of a saved session map
const snapshotVersion = 1

var ErrUnsupportedSnapshot = errors.New("unsupported session snapshot version")

// Storage persists the whole session map
type Storage interface {
	Load() (map[string]Session, error)
	Save(map[string]Session) error
}

type fileSnapshot struct {
	Version  int                `json:"version"`
	SavedAt  time.Time          `json:"savedAt"`
	Sessions map[string]Session `json:"sessions"`
}

// FileStorage keeps the session map in one JSON file
type FileStorage struct {
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Load returns an empty map when the file does not exist
func (s *FileStorage) Load() (map[string]Session, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Session{}, nil
	}
	if err != nil {
		return nil, err
	}

	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, snap.Version)
	}
	if snap.Sessions == nil {
		snap.Sessions = map[string]Session{}
	}
	return snap.Sessions, nil
}

// Save writes via a temp file then rename
func (s *FileStorage) Save(sessions map[string]Session) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(fileSnapshot{
		Version:  snapshotVersion,
		SavedAt:  time.Now().UTC(),
		Sessions: sessions,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// SQLiteStorage keeps one row per session
type SQLiteStorage struct {
	db *sql.DB
}

func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			pair_key      TEXT PRIMARY KEY,
			version       INTEGER NOT NULL,
			data          TEXT NOT NULL,
			last_activity DATETIME
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Load() (map[string]Session, error) {
	rows, err := s.db.Query(`SELECT pair_key, version, data FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := map[string]Session{}
	for rows.Next() {
		var (
			key     string
			version int
			data    string
		)
		if err := rows.Scan(&key, &version, &data); err != nil {
			return nil, err
		}
		if version != snapshotVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, version)
		}
		var sess Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", key, err)
		}
		sessions[key] = sess
	}
	return sessions, rows.Err()
}

// Save replaces every row in one transaction
func (s *SQLiteStorage) Save(sessions map[string]Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO sessions (pair_key, version, data, last_activity) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for key, sess := range sessions {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(key, snapshotVersion, string(data), sess.LastActivity.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
