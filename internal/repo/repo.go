package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrTerminal is returned when an operation targets a job whose status
	// will never transition again.
	ErrTerminal = errors.New("job is in a terminal state")
)

// JobRepository persists bulk send jobs. Progress counters must be updated
// atomically per call so concurrent readers always observe a consistent,
// monotonically-advancing snapshot.
type JobRepository interface {
	Create(ctx context.Context, job *model.BulkJob) error
	Get(ctx context.Context, id string) (*model.BulkJob, error)

	// GetStatus is the dispatcher's cheap cancellation probe.
	GetStatus(ctx context.Context, id string) (model.JobStatus, error)

	// List returns the most recent jobs, newest first.
	List(ctx context.Context, limit int) ([]model.BulkJob, error)

	// ListIncomplete returns jobs in processing with recipients left,
	// regardless of staleness; the recovery supervisor applies thresholds.
	ListIncomplete(ctx context.Context) ([]model.BulkJob, error)

	// MarkProcessing flips a pending or processing job to processing and
	// records startedAt if not already set. Returns ErrTerminal when the job
	// has reached a terminal state.
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error

	// UpdateProgress writes the dispatcher-owned counters.
	UpdateProgress(ctx context.Context, id string, processed, sent, failed int) error

	// UpdateDeliveryCounts writes the reconciler-owned counters.
	UpdateDeliveryCounts(ctx context.Context, id string, delivered, read, failed int) error

	// Finish moves a processing job to a terminal status. A job no longer in
	// processing (cancelled underneath us) is left untouched.
	Finish(ctx context.Context, id string, status model.JobStatus, completedAt time.Time) error

	// Cancel flips a pending or processing job to cancelled. Returns
	// ErrTerminal when the job already reached a terminal state.
	Cancel(ctx context.Context, id string, at time.Time) error
}

// SendCounts aggregates a job's send records the way the job view reports
// them: Sent includes everything that left the account (sent, delivered,
// read), Delivered includes read.
type SendCounts struct {
	Total     int
	Sent      int
	Delivered int
	Read      int
	Failed    int
}

// SendRepository persists per-recipient send records. Status moves strictly
// forward: sent -> delivered -> read, or sent -> failed; the Mark methods
// silently ignore downgrades.
type SendRepository interface {
	Create(ctx context.Context, send *model.MessageSend) error
	ListByJob(ctx context.Context, jobID string) ([]model.MessageSend, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	MarkRead(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	CountByJob(ctx context.Context, jobID string) (SendCounts, error)
}

// TemplateRepository stores provider template metadata synced from the API.
type TemplateRepository interface {
	Get(ctx context.Context, name string) (*model.Template, error)
	Upsert(ctx context.Context, t *model.Template) error
}

// LeadRepository resolves lead references to phone numbers.
type LeadRepository interface {
	Phone(ctx context.Context, leadID int64) (string, error)
}
