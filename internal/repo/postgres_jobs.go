package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
)

type PostgresJobRepo struct {
	db *sql.DB
}

func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

func (r *PostgresJobRepo) Create(ctx context.Context, job *model.BulkJob) error {
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	variables, err := json.Marshal(job.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO bulk_jobs (
			id, name, template_name, template_type,
			recipients, variables, total_recipients,
			processed_count, sent_count, delivered_count, read_count, failed_count,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, 0, 0, $8, $9, $9)
	`,
		job.ID, job.Name, job.TemplateName, job.TemplateType,
		recipients, variables, job.TotalRecipients,
		string(job.Status), job.CreatedAt,
	)
	return err
}

const jobColumns = `
	id, name, template_name, template_type,
	recipients, variables, total_recipients,
	processed_count, sent_count, delivered_count, read_count, failed_count,
	status, created_at, started_at, updated_at, completed_at`

func (r *PostgresJobRepo) Get(ctx context.Context, id string) (*model.BulkJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+jobColumns+`
		FROM bulk_jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (r *PostgresJobRepo) GetStatus(ctx context.Context, id string) (model.JobStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT status FROM bulk_jobs WHERE id = $1
	`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.JobStatus(status), nil
}

func (r *PostgresJobRepo) List(ctx context.Context, limit int) ([]model.BulkJob, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT`+jobColumns+`
		FROM bulk_jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *PostgresJobRepo) ListIncomplete(ctx context.Context) ([]model.BulkJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+jobColumns+`
		FROM bulk_jobs
		WHERE status = 'processing'
		  AND processed_count < total_recipients
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *PostgresJobRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, $2),
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'processing')
	`, id, startedAt)
	if err != nil {
		return err
	}
	return r.checkAffected(ctx, res, id)
}

func (r *PostgresJobRepo) UpdateProgress(ctx context.Context, id string, processed, sent, failed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET processed_count = $2,
		    sent_count = $3,
		    failed_count = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, processed, sent, failed)
	return err
}

func (r *PostgresJobRepo) UpdateDeliveryCounts(ctx context.Context, id string, delivered, read, failed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET delivered_count = $2,
		    read_count = $3,
		    failed_count = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, delivered, read, failed)
	return err
}

func (r *PostgresJobRepo) Finish(ctx context.Context, id string, status model.JobStatus, completedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET status = $2,
		    completed_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'processing'
	`, id, string(status), completedAt)
	return err
}

func (r *PostgresJobRepo) Cancel(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'processing')
	`, id, at)
	if err != nil {
		return err
	}
	return r.checkAffected(ctx, res, id)
}

// checkAffected distinguishes "no such job" from "job already terminal" after
// a guarded UPDATE matched no rows.
func (r *PostgresJobRepo) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetStatus(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return ErrTerminal
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.BulkJob, error) {
	var (
		j           model.BulkJob
		status      string
		recipients  []byte
		variables   []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	if err := row.Scan(
		&j.ID, &j.Name, &j.TemplateName, &j.TemplateType,
		&recipients, &variables, &j.TotalRecipients,
		&j.ProcessedCount, &j.SentCount, &j.DeliveredCount, &j.ReadCount, &j.FailedCount,
		&status, &j.CreatedAt, &startedAt, &j.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	j.Status = model.JobStatus(status)
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &j.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients for job %s: %w", j.ID, err)
		}
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &j.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables for job %s: %w", j.ID, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]model.BulkJob, error) {
	var out []model.BulkJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
