package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/shared/signing"
)

// Store provides persistent, hash-chained audit storage backed by SQLite.
type Store struct {
	db     *sql.DB
	signer *signing.Signer

	// Per-tenant append serialization. Without it concurrent appends
	// could both read the same tail and fork the chain.
	chainMu sync.Mutex
	chains  map[string]*sync.Mutex
}

// NewStore opens (or creates) a SQLite-backed audit store keyed by secret.
func NewStore(dbPath string, secret []byte) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id            TEXT PRIMARY KEY,
		ts            TEXT NOT NULL,
		actor_type    TEXT NOT NULL,
		actor_id      TEXT NOT NULL,
		tenant_id     TEXT NOT NULL DEFAULT '',
		action        TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   TEXT,
		payload       TEXT,
		prev_hash     TEXT,
		hash          TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit_log table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_log(tenant_id, ts)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action)`)

	return &Store{
		db:     db,
		signer: signing.NewSigner(secret),
		chains: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) chainLock(tenantID string) *sync.Mutex {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()

	mu, ok := s.chains[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		s.chains[tenantID] = mu
	}
	return mu
}

// Append chains and persists an entry, returning it with id/ts/hash filled.
func (s *Store) Append(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.ActorType == "" {
		e.ActorType = "system"
	}

	mu := s.chainLock(e.TenantID)
	mu.Lock()
	defer mu.Unlock()

	prev, err := s.latestHash(e.TenantID)
	if err != nil {
		return Entry{}, err
	}
	e.PrevHash = prev

	hash, err := s.signer.Sign(prev, e.hashedRecord())
	if err != nil {
		return Entry{}, fmt.Errorf("hash entry: %w", err)
	}
	e.Hash = hash

	payload, _ := json.Marshal(e.Payload)
	_, err = s.db.Exec(`INSERT INTO audit_log
		(id, ts, actor_type, actor_id, tenant_id, action, resource_type, resource_id, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.TS.Format(time.RFC3339Nano),
		e.ActorType,
		e.ActorID,
		e.TenantID,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		string(payload),
		e.PrevHash,
		e.Hash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("persist audit entry: %w", err)
	}
	return e, nil
}

// Emit appends a minimal entry, dropping the error. Callers on hot paths
// should not fail their operation because the audit write failed; the
// verify endpoint surfaces gaps.
func (s *Store) Emit(actorType, actorID, tenantID, action, resourceType, resourceID string, payload map[string]any) {
	_, _ = s.Append(Entry{
		ActorType:    actorType,
		ActorID:      actorID,
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
	})
}

func (s *Store) latestHash(tenantID string) (string, error) {
	var hash string
	err := s.db.QueryRow(
		`SELECT hash FROM audit_log WHERE tenant_id = ? ORDER BY ts DESC, rowid DESC LIMIT 1`,
		tenantID,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Verify re-derives every hash in a tenant's chain in append order.
func (s *Store) Verify(tenantID string) (VerifyResult, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, actor_type, actor_id, tenant_id, action, resource_type, resource_id, payload, prev_hash, hash
		 FROM audit_log WHERE tenant_id = ? ORDER BY ts ASC, rowid ASC`,
		tenantID,
	)
	if err != nil {
		return VerifyResult{}, err
	}
	defer rows.Close()

	result := VerifyResult{OK: true}
	prev := ""
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return VerifyResult{}, err
		}
		result.Entries++

		expected, err := s.signer.Sign(prev, e.hashedRecord())
		if err != nil {
			return VerifyResult{}, err
		}
		if e.PrevHash != prev || e.Hash != expected {
			return VerifyResult{
				OK:       false,
				Entries:  result.Entries,
				BrokenAt: result.Entries - 1,
				LogID:    e.ID,
				Expected: expected,
				Actual:   e.Hash,
			}, nil
		}
		prev = e.Hash
	}
	return result, rows.Err()
}

// Query returns entries matching the filter, newest first.
func (s *Store) Query(f Filter) ([]Entry, error) {
	query, args := buildQuery(f, true)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Chain returns a tenant's full chain in append order, for export.
func (s *Store) Chain(tenantID string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, actor_type, actor_id, tenant_id, action, resource_type, resource_id, payload, prev_hash, hash
		 FROM audit_log WHERE tenant_id = ? ORDER BY ts ASC, rowid ASC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StreamJSONL streams matching entries as newline-delimited JSON.
func (s *Store) StreamJSONL(ctx context.Context, w io.Writer, f Filter) error {
	query, args := buildQuery(f, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StreamCSV streams matching entries as CSV.
func (s *Store) StreamCSV(ctx context.Context, w io.Writer, f Filter) error {
	query, args := buildQuery(f, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "ts", "actor_type", "actor_id", "tenant_id", "action", "resource_type", "resource_id", "hash"}); err != nil {
		return err
	}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		rec := []string{e.ID, e.TS.Format(time.RFC3339Nano), e.ActorType, e.ActorID, e.TenantID, e.Action, e.ResourceType, e.ResourceID, e.Hash}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Count returns the total persisted entry count.
func (s *Store) Count() int {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count); err != nil {
		return 0
	}
	return count
}

// Purge deletes entries older than now - olderThan. Purged prefixes break
// Verify for the affected chains, so retention should only remove whole
// chains of tenants no longer under audit.
func (s *Store) Purge(olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.Exec("DELETE FROM audit_log WHERE ts < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TamperPayload overwrites a stored payload without re-hashing. Test hook
// for verifying tamper detection.
func (s *Store) TamperPayload(id string, payload string) error {
	_, err := s.db.Exec("UPDATE audit_log SET payload = ? WHERE id = ?", payload, id)
	return err
}

// Close shuts down the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func buildQuery(f Filter, includeLimit bool) (string, []any) {
	query := `SELECT id, ts, actor_type, actor_id, tenant_id, action, resource_type, resource_id, payload, prev_hash, hash
		FROM audit_log WHERE 1=1`
	var args []any

	if f.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		query += " AND actor_id = ?"
		args = append(args, f.Actor)
	}
	if !f.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	query += " ORDER BY ts DESC, rowid DESC"
	if includeLimit && f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(scanner rowScanner) (Entry, error) {
	var e Entry
	var ts, payload string
	var resourceID, prevHash sql.NullString
	if err := scanner.Scan(&e.ID, &ts, &e.ActorType, &e.ActorID, &e.TenantID, &e.Action, &e.ResourceType, &resourceID, &payload, &prevHash, &e.Hash); err != nil {
		return Entry{}, err
	}
	e.TS, _ = time.Parse(time.RFC3339Nano, ts)
	e.ResourceID = resourceID.String
	e.PrevHash = prevHash.String
	if payload != "" && payload != "null" {
		_ = json.Unmarshal([]byte(payload), &e.Payload)
	}
	return e, nil
}
