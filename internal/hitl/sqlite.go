package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL,
	donor_id    TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_job ON checkpoints(job_id, created_at);
`

// timeLayout sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists checkpoints in SQLite. The full checkpoint is kept
// as JSON; the indexed columns mirror it for listing.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("hitl.OpenSQLite: %w", err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore migrates db and wraps it. The caller keeps ownership of
// db when sharing it with other stores.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	// One connection keeps pragmas and write ordering consistent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("hitl: pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("hitl: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, c *Checkpoint) error {
	if c.ID == "" {
		return fmt.Errorf("hitl.SQLiteStore.Save: checkpoint has no id")
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("hitl.SQLiteStore.Save: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, job_id, stage, status, donor_id, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		c.ID, c.JobID, string(c.Stage), string(c.Status), c.DonorID, string(payload),
		c.CreatedAt.UTC().Format(timeLayout), c.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("hitl.SQLiteStore.Save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hitl.SQLiteStore.Get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("hitl.SQLiteStore.Get: %w", err)
	}
	return decodeCheckpoint(payload)
}

// Decide applies the decision and writes it back only if the row is still
// pending, so a concurrent decision on the same checkpoint loses.
func (s *SQLiteStore) Decide(ctx context.Context, id string, status Status, feedback string) (*Checkpoint, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.Decide(status, feedback); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("hitl.SQLiteStore.Decide: marshal: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, payload = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(c.Status), string(payload), c.UpdatedAt.UTC().Format(timeLayout),
		id, string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("hitl.SQLiteStore.Decide: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("hitl.SQLiteStore.Decide: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("hitl.SQLiteStore.Decide %s: %w", id, ErrTerminal)
	}
	return c, nil
}

func (s *SQLiteStore) List(ctx context.Context, jobID string) ([]*Checkpoint, error) {
	q := `SELECT payload FROM checkpoints ORDER BY created_at, id`
	args := []any{}
	if jobID != "" {
		q = `SELECT payload FROM checkpoints WHERE job_id = ? ORDER BY created_at, id`
		args = append(args, jobID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("hitl.SQLiteStore.List: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("hitl.SQLiteStore.List: %w", err)
		}
		c, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeCheckpoint(payload string) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("hitl: decode checkpoint: %w", err)
	}
	return &c, nil
}
