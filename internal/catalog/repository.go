package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/echofinity/echofinity-backend/internal/db"
)

var (
	// ErrJobNotFound is returned by state transitions on a missing job.
	ErrJobNotFound = errors.New("catalog: export job not found")
	// ErrJobStateChanged means the job left the expected status before the
	// write landed, typically because another delivery finished it.
	ErrJobStateChanged = errors.New("catalog: export job state changed")
)

type Repository interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, userID string) ([]*Project, error)

	CreateExportJob(ctx context.Context, job *ExportJob) error
	GetExportJob(ctx context.Context, id string) (*ExportJob, error)
	ListExportJobs(ctx context.Context, userID string, limit int) ([]*ExportJob, error)
	CountExportJobsByStatus(ctx context.Context) (map[JobStatus]int, error)

	// ClaimExportJob moves a queued or processing job to processing and
	// stamps exportStartedAt. claimed is false when the job is already
	// terminal; the current row is returned either way.
	ClaimExportJob(ctx context.Context, id string, startedAt time.Time) (job *ExportJob, claimed bool, err error)
	// FinishExportJob writes the terminal status and full metadata in one
	// update. It only applies to a job in processing.
	FinishExportJob(ctx context.Context, id string, status JobStatus, meta JobMetadata) error
	// FailExportJob force-transitions a non-terminal job to failed. It
	// reports false when the job was already terminal or missing.
	FailExportJob(ctx context.Context, id, errMsg string, failedAt time.Time) (bool, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateProject(ctx context.Context, p *Project) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, title, created_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.UserID, p.Title, db.FormatTime(p.CreatedAt))
	return err
}

func (r *SQLiteRepository) GetProject(ctx context.Context, id string) (*Project, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at FROM projects WHERE id = ?
	`, id)

	var p Project
	var createdAt string
	err := row.Scan(&p.ID, &p.UserID, &p.Title, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt, _ = db.ParseTime(createdAt)
	return &p, nil
}

func (r *SQLiteRepository) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at FROM projects
		WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = db.ParseTime(createdAt)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

const jobColumns = `id, project_id, user_id, format, resolution, preset, file_name, source_path, status, metadata, created_at, updated_at`

func (r *SQLiteRepository) CreateExportJob(ctx context.Context, j *ExportJob) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO export_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.ProjectID, j.UserID, j.Format, j.Resolution, j.Preset, j.FileName, j.SourcePath,
		string(j.Status), string(meta), db.FormatTime(j.CreatedAt), db.FormatTime(j.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`, id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ExportJob, error) {
	var j ExportJob
	var status, meta, createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.ProjectID, &j.UserID, &j.Format, &j.Resolution, &j.Preset,
		&j.FileName, &j.SourcePath, &status, &meta, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.Status = JobStatus(status)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for job %s: %w", j.ID, err)
		}
	}
	j.CreatedAt, _ = db.ParseTime(createdAt)
	j.UpdatedAt, _ = db.ParseTime(updatedAt)
	return &j, nil
}

func (r *SQLiteRepository) ListExportJobs(ctx context.Context, userID string, limit int) ([]*ExportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM export_jobs
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) CountExportJobsByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM export_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepository) ClaimExportJob(ctx context.Context, id string, startedAt time.Time) (*ExportJob, bool, error) {
	started := startedAt.UTC().Format(time.RFC3339Nano)
	row := r.db.QueryRowContext(ctx, `
		UPDATE export_jobs
		SET status = 'processing',
			metadata = json_set(metadata, '$.exportStartedAt', ?),
			updated_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')
		RETURNING `+jobColumns,
		started, db.FormatTime(startedAt), id)

	job, err := scanJob(row)
	if err != nil {
		return nil, false, err
	}
	if job != nil {
		return job, true, nil
	}

	current, err := r.GetExportJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, ErrJobNotFound
	}
	return current, false, nil
}

func (r *SQLiteRepository) FinishExportJob(ctx context.Context, id string, status JobStatus, meta JobMetadata) error {
	if !status.Terminal() {
		return fmt.Errorf("catalog: %q is not a terminal status", status)
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, string(status), string(encoded), db.FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id)
}

func (r *SQLiteRepository) FailExportJob(ctx context.Context, id, errMsg string, failedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = 'failed',
			metadata = json_set(metadata, '$.error', ?, '$.failedAt', ?),
			updated_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')
	`, errMsg, failedAt.UTC().Format(time.RFC3339Nano), db.FormatTime(failedAt), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLiteRepository) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	current, err := r.GetExportJob(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrJobNotFound
	}
	return fmt.Errorf("%w: job %s is %s", ErrJobStateChanged, id, current.Status)
}
