package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"beacon/internal/model"

	_ "modernc.org/sqlite"
)

const (
	dbFile = "beacons.db"

	// Secure file permissions - owner read/write only
	secureFileMode = 0600 // -rw-------
	secureDirMode  = 0700 // drwx------
)

// ensureSecureFile creates a file with secure permissions if it doesn't exist,
// or verifies/fixes permissions if it does exist. This prevents a TOCTOU race
// condition where the file could be created with insecure default permissions.
func ensureSecureFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, secureFileMode)
		if err != nil {
			return fmt.Errorf("failed to create secure file: %w", err)
		}
		f.Close()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if info.Mode().Perm() != secureFileMode {
		if err := os.Chmod(path, secureFileMode); err != nil {
			return fmt.Errorf("failed to set secure permissions: %w", err)
		}
	}
	return nil
}

// SQLiteStorage persists the beacon queue in a SQLite database. Rows
// are ordered by an autoincrement sequence so Load returns insertion
// order; WAL journaling keeps committed rows intact across crashes.
type SQLiteStorage struct {
	db      *sql.DB
	dataDir string
}

// NewStorage opens (creating if needed) the queue database in dataDir.
func NewStorage(dataDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(dataDir, secureDirMode); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, dbFile)

	// Create database file with secure permissions if it doesn't exist
	// This avoids a race condition where the file is created with default
	// permissions and then chmod'd afterward
	if err := ensureSecureFile(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{db: db, dataDir: dataDir}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS beacon_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		timestamp INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Load returns every queued beacon in insertion order.
func (s *SQLiteStorage) Load() ([]model.WireBeacon, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, payload FROM beacon_queue ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	beacons := []model.WireBeacon{}
	for rows.Next() {
		var b model.WireBeacon
		if err := rows.Scan(&b.ID, &b.Timestamp, &b.Payload); err != nil {
			return nil, err
		}
		beacons = append(beacons, b)
	}

	return beacons, rows.Err()
}

// Append adds a beacon at the tail of the queue.
func (s *SQLiteStorage) Append(b model.WireBeacon) error {
	_, err := s.db.Exec(
		`INSERT INTO beacon_queue (id, timestamp, payload) VALUES (?, ?, ?)`,
		b.ID, b.Timestamp, b.Payload,
	)
	return err
}

// Remove deletes the beacons with the given ids in one transaction.
// Unknown ids are ignored.
func (s *SQLiteStorage) Remove(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Stay well below SQLITE_MAX_VARIABLE_NUMBER.
	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		if _, err := tx.Exec(`DELETE FROM beacon_queue WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Clear removes every queued beacon.
func (s *SQLiteStorage) Clear() error {
	_, err := s.db.Exec("DELETE FROM beacon_queue")
	return err
}
