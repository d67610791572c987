// Package registry is the durable record of Files and Jobs: the single
// source of truth an observer polls while a scan is in flight and the
// store of the terminal report once it completes.
//
// Schema creation follows the idempotent-migration convention used
// throughout the wider codebase: CREATE TABLE IF NOT EXISTS plus tolerant
// ALTER TABLE ADD COLUMN statements that ignore "duplicate column" errors,
// so startup never fails against an already-migrated database.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/malscan/internal/dbopen"
	"github.com/hazyhaar/malscan/internal/idgen"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusScanning Status = "scanning"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("registry: not found")

// File is an uploaded artifact, keyed by its content digest.
type File struct {
	ID          string
	SHA256      string
	Size        int64
	Filename    string
	ContentType string
	CreatedAt   time.Time
}

// Job is one analysis run over a File.
type Job struct {
	ID           string
	FileID       string
	Status       Status
	CurrentStage sql.NullString
	StagesDone   int
	StagesTotal  int
	ErrorMessage sql.NullString
	Result       json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Registry is the persistence handle for Files and Jobs.
type Registry struct {
	db    *sql.DB
	newID func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator overrides the id generator used for new File/Job rows.
// Defaults to idgen.New (UUIDv7).
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// New opens a Registry over db, creating and migrating its schema.
func New(db *sql.DB, opts ...Option) (*Registry, error) {
	r := &Registry{db: db, newID: idgen.New}
	for _, o := range opts {
		o(r)
	}
	if err := r.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("registry: schema: %w", err)
	}
	return r, nil
}

func (r *Registry) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS files (
			id           TEXT PRIMARY KEY,
			sha256       TEXT NOT NULL UNIQUE,
			size         INTEGER NOT NULL,
			filename     TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			file_id       TEXT NOT NULL REFERENCES files(id),
			status        TEXT NOT NULL,
			current_stage TEXT,
			stages_done   INTEGER NOT NULL DEFAULT 0,
			stages_total  INTEGER NOT NULL,
			error_message TEXT,
			result        TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_file_id ON jobs (file_id);
	`)
	if err != nil {
		return err
	}

	// Supplemented from the alembic revision adding jobs.result after
	// initial rollout — tolerated here as a no-op against a fresh schema
	// where the column already exists.
	for _, stmt := range []string{
		`ALTER TABLE jobs ADD COLUMN result TEXT`,
	} {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(err.Error(), "duplicate column")
}

// LookupFileBySHA256 returns the File with the given digest, or ErrNotFound.
func (r *Registry) LookupFileBySHA256(ctx context.Context, digest string) (*File, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, sha256, size, filename, content_type, created_at FROM files WHERE sha256 = ?`, digest)
	return scanFile(row)
}

// InsertFile upserts a File by digest: concurrent uploads of the same
// content race here, the winner inserts the row, losers hit the conflict
// and InsertFile re-reads the winner's row. Returns the row that
// now exists for this digest, regardless of who inserted it.
func (r *Registry) InsertFile(ctx context.Context, f *File) (*File, error) {
	if f.ID == "" {
		f.ID = r.newID()
	}
	now := time.Now().UTC()
	f.CreatedAt = now

	_, err := dbopen.Exec(ctx, r.db, `
		INSERT INTO files (id, sha256, size, filename, content_type, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (sha256) DO NOTHING`,
		f.ID, f.SHA256, f.Size, f.Filename, f.ContentType, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: insert file: %w", err)
	}
	return r.LookupFileBySHA256(ctx, f.SHA256)
}

// InsertJob creates a new Job in status=queued for the given file.
func (r *Registry) InsertJob(ctx context.Context, fileID string, stagesTotal int) (*Job, error) {
	id := r.newID()
	now := time.Now().UTC()
	_, err := dbopen.Exec(ctx, r.db, `
		INSERT INTO jobs (id, file_id, status, stages_done, stages_total, created_at, updated_at)
		VALUES (?,?,?,0,?,?,?)`,
		id, fileID, string(StatusQueued), stagesTotal, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: insert job: %w", err)
	}
	return r.ReadJob(ctx, id)
}

// ReadJob returns the Job with the given id, or ErrNotFound.
func (r *Registry) ReadJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, file_id, status, current_stage, stages_done, stages_total, error_message, result, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// UpdateStage records that stage name is about to execute, 0-indexed by
// the count of stages already completed. This is a best-effort progress
// write: the caller logs and continues on failure rather than failing the
// stage pipeline.
func (r *Registry) UpdateStage(ctx context.Context, jobID, stageName string, stagesDone int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET current_stage = ?, stages_done = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		stageName, stagesDone, string(StatusScanning), time.Now().UTC().Format(time.RFC3339Nano), jobID,
	)
	return err
}

// UpdateStatus sets a job's status without touching stage progress. The
// worker uses it to move a job to status=scanning on first acquisition.
func (r *Registry) UpdateStatus(ctx context.Context, jobID string, status Status) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), jobID,
	)
	return err
}

// UpdateFailed writes the terminal failed state: error_message is set,
// result remains null. This is a terminal write and must succeed or the
// caller must treat the job as not complete (allowing redelivery).
func (r *Registry) UpdateFailed(ctx context.Context, jobID string, currentStage string, stagesDone int, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error_message = ?, current_stage = ?, stages_done = ?, updated_at = ?
		WHERE id = ?`,
		string(StatusFailed), errMsg, currentStage, stagesDone, time.Now().UTC().Format(time.RFC3339Nano), jobID,
	)
	return err
}

// UpdateResult atomically writes the terminal report and transitions the
// job to done with stages_done = stages_total and current_stage cleared.
// This is a terminal write and must succeed or the caller must treat the
// job as not complete.
func (r *Registry) UpdateResult(ctx context.Context, jobID string, report json.RawMessage) error {
	return dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		var stagesTotal int
		if err := tx.QueryRowContext(ctx, `SELECT stages_total FROM jobs WHERE id = ?`, jobID).Scan(&stagesTotal); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, result = ?, stages_done = ?, current_stage = NULL, error_message = NULL, updated_at = ?
			WHERE id = ?`,
			string(StatusDone), string(report), stagesTotal, time.Now().UTC().Format(time.RFC3339Nano), jobID,
		)
		return err
	})
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFile(row scannable) (*File, error) {
	var f File
	var createdAt string
	err := row.Scan(&f.ID, &f.SHA256, &f.Size, &f.Filename, &f.ContentType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanJob(row scannable) (*Job, error) {
	var j Job
	var result sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.FileID, &j.Status, &j.CurrentStage, &j.StagesDone, &j.StagesTotal, &j.ErrorMessage, &result, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
