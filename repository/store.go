package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a job id has no matching row.
var ErrNotFound = errors.New("repository: job not found")

// Store persists Job records in Postgres.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres at dsn and verifies the connection with Ping.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to connect: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// row is the sqlx scan target; Params is stored as a JSON column.
type row struct {
	ID            string         `db:"id"`
	Kind          string         `db:"kind"`
	CollectionID  string         `db:"collection_id"`
	Status        string         `db:"status"`
	Progress      int            `db:"progress"`
	Error         sql.NullString `db:"error"`
	ImagePath     sql.NullString `db:"image_path"`
	ThumbnailPath sql.NullString `db:"thumbnail_path"`
	VideoPath     sql.NullString `db:"video_path"`
	ParentJobID   sql.NullString `db:"parent_job_id"`
	SourceJobID   sql.NullString `db:"source_job_id"`
	Params        []byte         `db:"params"`
	CorrelationID sql.NullString `db:"correlation_id"`
	CreatedAt     sql.NullTime   `db:"created_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	Version       int            `db:"version"`
}

func (r row) toJob() (*Job, error) {
	var params Params
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &params); err != nil {
			return nil, fmt.Errorf("repository: failed to decode params for %s: %w", r.ID, err)
		}
	}
	return &Job{
		ID:            r.ID,
		Kind:          Kind(r.Kind),
		CollectionID:  r.CollectionID,
		Status:        Status(r.Status),
		Progress:      r.Progress,
		Error:         r.Error.String,
		ImagePath:     r.ImagePath.String,
		ThumbnailPath: r.ThumbnailPath.String,
		VideoPath:     r.VideoPath.String,
		ParentJobID:   r.ParentJobID.String,
		SourceJobID:   r.SourceJobID.String,
		Params:        params,
		CorrelationID: r.CorrelationID.String,
		CreatedAt:     r.CreatedAt.Time,
		CompletedAt:   r.CompletedAt.Time,
		Version:       r.Version,
	}, nil
}

// Insert writes a new job row.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	j := job.Clone()
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("repository: failed to encode params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, kind, collection_id, status, progress, error,
			image_path, thumbnail_path, video_path,
			parent_job_id, source_job_id, params, correlation_id, created_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1)
	`, j.ID, j.Kind, j.CollectionID, j.Status, j.Progress, nullString(j.Error),
		nullString(j.ImagePath), nullString(j.ThumbnailPath), nullString(j.VideoPath),
		nullString(j.ParentJobID), nullString(j.SourceJobID), params, nullString(j.CorrelationID), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert job %s: %w", j.ID, err)
	}
	return nil
}

// Update persists the full current state of job, including terminal fields.
func (s *Store) Update(ctx context.Context, job *Job) error {
	j := job.Clone()
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("repository: failed to encode params: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $2, progress = $3, error = $4,
			image_path = $5, thumbnail_path = $6, video_path = $7,
			params = $8, correlation_id = $9, completed_at = $10, version = version + 1
		WHERE id = $1
	`, j.ID, j.Status, j.Progress, nullString(j.Error),
		nullString(j.ImagePath), nullString(j.ThumbnailPath), nullString(j.VideoPath),
		params, nullString(j.CorrelationID), nullTime(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("repository: failed to update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a single job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: failed to get job %s: %w", id, err)
	}
	return r.toJob()
}

// ListByCollection returns every job for a collection, newest first.
func (s *Store) ListByCollection(ctx context.Context, collectionID string) ([]*Job, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM jobs WHERE collection_id = $1 ORDER BY created_at DESC
	`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list jobs for %s: %w", collectionID, err)
	}
	return toJobs(rows)
}

// ListAnimationsByCollection returns only animate-kind jobs for a collection.
func (s *Store) ListAnimationsByCollection(ctx context.Context, collectionID string) ([]*Job, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM jobs WHERE collection_id = $1 AND kind = $2 ORDER BY created_at DESC
	`, collectionID, string(KindAnimate))
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list animations for %s: %w", collectionID, err)
	}
	return toJobs(rows)
}

// CountByCollectionAndKind counts the completed jobs of one kind in a
// collection.
func (s *Store) CountByCollectionAndKind(ctx context.Context, collectionID string, kind Kind) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM jobs WHERE collection_id = $1 AND kind = $2 AND status = $3
	`, collectionID, string(kind), string(StatusCompleted))
	if err != nil {
		return 0, fmt.Errorf("repository: failed to count jobs for %s: %w", collectionID, err)
	}
	return count, nil
}

// Delete removes a job row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository: failed to delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func toJobs(rows []row) ([]*Job, error) {
	jobs := make([]*Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Schema is the DDL the scheduler applies at startup via ExecContext. It is
// deliberately idempotent so repeated process starts are safe.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	collection_id  TEXT NOT NULL,
	status         TEXT NOT NULL,
	progress       INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	image_path     TEXT,
	thumbnail_path TEXT,
	video_path     TEXT,
	parent_job_id  TEXT,
	source_job_id  TEXT,
	params         JSONB NOT NULL DEFAULT '{}',
	correlation_id TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	version        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS jobs_collection_id_idx ON jobs (collection_id);
CREATE INDEX IF NOT EXISTS jobs_collection_kind_idx ON jobs (collection_id, kind, status);
`

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("repository: failed to migrate schema: %w", err)
	}
	return nil
}
