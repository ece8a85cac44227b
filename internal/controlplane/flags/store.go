// Package flags selects the real or mock implementation of each adapter
// tool. Precedence at lookup: request header opting a namespace in →
// stored flag row → environment → mock.
package flags

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Adapter modes.
const (
	ModeReal = "real"
	ModeMock = "mock"
)

// HeaderAdapterReal opts the named namespace into real adapters for one
// request.
const HeaderAdapterReal = "X-Adapter-Real"

var ErrNotFound = errors.New("flags: not found")

// Flag is a stored per-tool mode override.
type Flag struct {
	Tool      string    `json:"tool"`
	Mode      string    `json:"mode"`
	UpdatedAt time.Time `json:"updated_at"`
}

const flagSchema = `
CREATE TABLE IF NOT EXISTS feature_flags (
	tool       TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is the sqlite-backed flag table plus the lookup logic.
type Store struct {
	db *sql.DB
	// getenv is swapped in tests.
	getenv func(string) string
}

// Open opens (creating if needed) the flag database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open flags db: %w", err)
	}
	if _, err := db.Exec(flagSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init flags schema: %w", err)
	}
	return &Store{db: db, getenv: os.Getenv}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Set upserts a tool's mode.
func (s *Store) Set(tool, mode string) (*Flag, error) {
	if mode != ModeReal && mode != ModeMock {
		return nil, fmt.Errorf("flags: mode must be real or mock, got %q", mode)
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO feature_flags (tool, mode, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tool) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at`,
		tool, mode, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("upsert flag: %w", err)
	}
	return &Flag{Tool: tool, Mode: mode, UpdatedAt: now}, nil
}

// Get fetches a stored flag.
func (s *Store) Get(tool string) (*Flag, error) {
	var f Flag
	var updated string
	err := s.db.QueryRow(`SELECT tool, mode, updated_at FROM feature_flags WHERE tool = ?`, tool).
		Scan(&f.Tool, &f.Mode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup flag: %w", err)
	}
	f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &f, nil
}

// List returns all stored flags.
func (s *Store) List() ([]*Flag, error) {
	rows, err := s.db.Query(`SELECT tool, mode, updated_at FROM feature_flags ORDER BY tool`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()
	var out []*Flag
	for rows.Next() {
		var f Flag
		var updated string
		if err := rows.Scan(&f.Tool, &f.Mode, &updated); err != nil {
			return nil, err
		}
		f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// Which resolves the mode for a tool given the request headers. header may
// be nil (engine-internal calls carry the mode decided at run creation).
func (s *Store) Which(tool string, header http.Header) string {
	if header != nil {
		namespace, _, _ := strings.Cut(tool, ".")
		for _, opted := range header.Values(HeaderAdapterReal) {
			for _, ns := range strings.Split(opted, ",") {
				if strings.TrimSpace(ns) == namespace {
					return ModeReal
				}
			}
		}
	}
	if f, err := s.Get(tool); err == nil {
		return f.Mode
	}
	if v := s.getenv(EnvVar(tool)); v != "" {
		if strings.EqualFold(v, ModeReal) {
			return ModeReal
		}
		return ModeMock
	}
	return ModeMock
}

// EnvVar maps a tool name to its flag environment variable, e.g.
// pagerduty.ack → ADAPTER_FLAG_PAGERDUTY_ACK.
func EnvVar(tool string) string {
	return "ADAPTER_FLAG_" + strings.ToUpper(strings.ReplaceAll(tool, ".", "_"))
}
