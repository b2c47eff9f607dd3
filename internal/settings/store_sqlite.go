package settings

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	keyBlockedDomains = "blocked_domains"
	keyBypassDuration = "bypass_duration_seconds"
)

// NewStoreWithSQLite opens (or creates) the settings database at path and
// loads it, seeding defaults for missing keys.
func NewStoreWithSQLite(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	store := NewStore()
	if err := store.loadFromSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.db = db
	return store, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(`PRAGMA journal_mode = WAL;`)
	_, _ = db.Exec(`PRAGMA synchronous = NORMAL;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`)
	return err
}

func (s *Store) loadFromSQLite(db *sql.DB) error {
	rows, err := db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		switch key {
		case keyBlockedDomains:
			var domains []string
			if err := json.Unmarshal([]byte(value), &domains); err != nil {
				return fmt.Errorf("settings %s: %w", key, err)
			}
			s.cur.BlockedDomains = NormalizeDomains(domains)
		case keyBypassDuration:
			n, err := strconv.Atoi(value)
			if err != nil || !ValidDuration(n) {
				slog.Warn("ignoring stored bypass duration", "value", value)
				continue
			}
			s.cur.BypassDuration = n
		default:
			continue
		}
		seen[key] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if seen[keyBlockedDomains] && seen[keyBypassDuration] {
		return nil
	}
	return writeSettings(db, s.cur)
}

func (s *Store) persistLocked(next Settings) error {
	if s.db == nil {
		return nil
	}
	return writeSettings(s.db, next)
}

func writeSettings(db *sql.DB, st Settings) error {
	domains, err := json.Marshal(st.BlockedDomains)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	const upsert = `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.Exec(upsert, keyBlockedDomains, string(domains)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(upsert, keyBypassDuration, strconv.Itoa(st.BypassDuration)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
