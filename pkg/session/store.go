package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound reports that no record exists for the given session key.
var ErrNotFound = errors.New("session record not found")

// Record is one session's durable index row.
type Record struct {
	Key            string    `json:"sessionKey"`
	Provider       string    `json:"provider"`
	CreatedAt      time.Time `json:"createdAt"`
	LastUsedAt     time.Time `json:"lastUsedAt"`
	RekeyedFrom    string    `json:"rekeyedFrom,omitempty"`
	Turns          int       `json:"turns"`
	TranscriptPath string    `json:"transcriptPath,omitempty"`
}

// Store keeps the session index in SQLite so restarts and the RPC surface
// can see sessions that are no longer pooled.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the session index database at dbPath.
func NewStore(dbPath string, logger zerolog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("Session store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER NOT NULL,
			rekeyed_from TEXT NOT NULL DEFAULT '',
			turns INTEGER NOT NULL DEFAULT 0,
			transcript_path TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions(last_used_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Upsert inserts or refreshes a session's index row. created_at and
// rekeyed_from survive refreshes of an existing row.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return errors.New("session key is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = rec.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, provider, created_at, last_used_at, rekeyed_from, turns, transcript_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			provider = excluded.provider,
			last_used_at = excluded.last_used_at,
			turns = excluded.turns,
			transcript_path = excluded.transcript_path`,
		rec.Key, rec.Provider, rec.CreatedAt.Unix(), rec.LastUsedAt.Unix(),
		rec.RekeyedFrom, rec.Turns, rec.TranscriptPath,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Touch refreshes a session's last use and turn count.
func (s *Store) Touch(ctx context.Context, key string, lastUsed time.Time, turns int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_used_at = ?, turns = ? WHERE key = ?",
		lastUsed.Unix(), turns, key,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check touch result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Rekey moves a session's row from oldKey to newKey, remembering the old
// key in rekeyed_from.
func (s *Store) Rekey(ctx context.Context, oldKey, newKey string) error {
	if oldKey == "" || newKey == "" {
		return errors.New("both keys are required")
	}
	if oldKey == newKey {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rekey: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE sessions SET key = ?, rekeyed_from = ? WHERE key = ?",
		newKey, oldKey, oldKey,
	)
	if err != nil {
		return fmt.Errorf("failed to rekey session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rekey result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rekey: %w", err)
	}
	return nil
}

// Get returns one session's index row.
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT key, provider, created_at, last_used_at, rekeyed_from, turns, transcript_path FROM sessions WHERE key = ?",
		key,
	)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load session: %w", err)
	}
	return rec, nil
}

// List returns index rows, most recently used first. A non-positive
// limit returns every row.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	query := "SELECT key, provider, created_at, last_used_at, rekeyed_from, turns, transcript_path FROM sessions ORDER BY last_used_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return records, nil
}

// Count returns how many sessions the index holds.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// PruneBefore deletes rows whose last use predates cutoff and returns how
// many were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_used_at < ?",
		cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check prune result: %w", err)
	}

	if affected > 0 {
		s.logger.Info().Int64("deleted", affected).Msg("Pruned old session records")
	}
	return int(affected), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		rec        Record
		createdAt  int64
		lastUsedAt int64
	)
	err := scan(&rec.Key, &rec.Provider, &createdAt, &lastUsedAt, &rec.RekeyedFrom, &rec.Turns, &rec.TranscriptPath)
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.LastUsedAt = time.Unix(lastUsedAt, 0)
	return rec, nil
}
