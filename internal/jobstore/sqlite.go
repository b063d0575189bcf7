package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists jobs as JSON rows. States come back without their
// strategy reference; callers re-resolve it from the donor id.
type SQLiteStore struct {
	keys keyLocks
	db   *sql.DB
}

// OpenSQLite opens a SQLite database and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobstore.OpenSQLite: %w", err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore migrates db and wraps it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	// One connection keeps pragmas and write ordering consistent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("jobstore: pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("jobstore: pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("jobstore: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying handle so other stores can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Set(ctx context.Context, j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("jobstore.SQLiteStore.Set: job has no id")
	}
	c := *j
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	unlock := s.keys.lock(j.ID)
	defer unlock()
	if err := s.write(ctx, s.db, &c); err != nil {
		return fmt.Errorf("jobstore.SQLiteStore.Set: %w", err)
	}
	return nil
}

// Update reads, patches and writes job id in one transaction under the
// job's lock.
func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (*Job, error) {
	unlock := s.keys.lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobstore.SQLiteStore.Update: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.read(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("jobstore.SQLiteStore.Update: %w", err)
	}
	if err := p.check(j); err != nil {
		return nil, fmt.Errorf("jobstore.SQLiteStore.Update: %w", err)
	}
	p.apply(j)
	if err := s.write(ctx, tx, j); err != nil {
		return nil, fmt.Errorf("jobstore.SQLiteStore.Update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobstore.SQLiteStore.Update: commit: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := s.read(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("jobstore.SQLiteStore.Get: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) List(ctx context.Context) (map[string]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("jobstore.SQLiteStore.List: %w", err)
	}
	defer rows.Close()

	out := map[string]*Job{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("jobstore.SQLiteStore.List: %w", err)
		}
		j, err := decodeJob(payload)
		if err != nil {
			return nil, fmt.Errorf("jobstore.SQLiteStore.List: %w", err)
		}
		out[j.ID] = j
	}
	return out, rows.Err()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) read(ctx context.Context, q querier, id string) (*Job, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE job_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(payload)
}

func (s *SQLiteStore) write(ctx context.Context, q querier, j *Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO jobs (job_id, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		j.ID, string(j.Status), string(payload),
		j.CreatedAt.UTC().Format(timeLayout), j.UpdatedAt.UTC().Format(timeLayout),
	)
	return err
}

func decodeJob(payload string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
