package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/quality"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
)

// SendClient is the slice of the provider API the dispatcher needs.
type SendClient interface {
	SendTemplate(ctx context.Context, phone, templateID, templateName string, variables map[string]string) (*model.SendResult, error)
}

// AdmissionLimiter paces outbound sends across all running dispatchers.
type AdmissionLimiter interface {
	CanSend() (bool, time.Duration)
	RecordSend()
}

// TemplateResolver looks up template metadata by name.
type TemplateResolver interface {
	Resolve(ctx context.Context, name string) (*model.Template, error)
}

const (
	defaultInterSendDelay   = 500 * time.Millisecond
	defaultCancelCheckEvery = 10
	progressLogEvery        = 10
)

type DispatcherConfig struct {
	Jobs      repo.JobRepository
	Sends     repo.SendRepository
	Leads     repo.LeadRepository
	Templates TemplateResolver
	Client    SendClient
	Limiter   AdmissionLimiter
	Metrics   *quality.Metrics
	Log       *slog.Logger

	// InterSendDelay is the fixed pause after every attempt, on top of the
	// limiter's own pacing. Zero means the default; negative disables it.
	InterSendDelay time.Duration

	// CancelCheckEvery is the iteration interval for the cancellation probe.
	CancelCheckEvery int
}

// Dispatcher drains one job's recipient list, from the job's current
// processed offset to the end. Safe to re-run on the same job: it picks up
// where the counters say the previous run stopped.
type Dispatcher struct {
	jobs      repo.JobRepository
	sends     repo.SendRepository
	leads     repo.LeadRepository
	templates TemplateResolver
	client    SendClient
	limiter   AdmissionLimiter
	metrics   *quality.Metrics
	log       *slog.Logger
	now       func() time.Time

	interSendDelay   time.Duration
	cancelCheckEvery int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	delay := cfg.InterSendDelay
	if delay == 0 {
		delay = defaultInterSendDelay
	} else if delay < 0 {
		delay = 0
	}
	every := cfg.CancelCheckEvery
	if every <= 0 {
		every = defaultCancelCheckEvery
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		jobs:             cfg.Jobs,
		sends:            cfg.Sends,
		leads:            cfg.Leads,
		templates:        cfg.Templates,
		client:           cfg.Client,
		limiter:          cfg.Limiter,
		metrics:          cfg.Metrics,
		log:              log,
		now:              time.Now,
		interSendDelay:   delay,
		cancelCheckEvery: every,
	}
}

// Run processes the job until its recipient list is drained, it is cancelled
// underneath us, or an infrastructure failure escapes the loop. Per-recipient
// failures are recorded and counted but never abort the batch.
func (d *Dispatcher) Run(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		d.log.Info("job already finished, nothing to do", "job", jobID, "status", job.Status)
		return nil
	}

	startedAt := d.now().UTC()
	if err := d.jobs.MarkProcessing(ctx, jobID, startedAt); err != nil {
		if errors.Is(err, repo.ErrTerminal) {
			return nil
		}
		return d.escape(ctx, jobID, job.ProcessedCount, err)
	}

	tmpl, err := d.templates.Resolve(ctx, job.TemplateName)
	if err != nil {
		return d.escape(ctx, jobID, job.ProcessedCount, fmt.Errorf("resolve template %q: %w", job.TemplateName, err))
	}

	total := len(job.Recipients)
	processed := job.ProcessedCount
	sent := job.SentCount
	failed := job.FailedCount
	persisted := processed

	d.log.Info("dispatch starting",
		"job", jobID, "template", job.TemplateName,
		"total", total, "resumeAt", processed)

	runStart := d.now()
	for i := processed; i < total; i++ {
		if (i-job.ProcessedCount)%d.cancelCheckEvery == 0 {
			status, err := d.jobs.GetStatus(ctx, jobID)
			if err != nil {
				return d.escape(ctx, jobID, persisted, fmt.Errorf("status probe: %w", err))
			}
			if status == model.JobCancelled {
				d.log.Info("job cancelled, stopping", "job", jobID, "processed", persisted)
				return nil
			}
		}

		waID, sendErr := d.sendOne(ctx, job, tmpl, job.Recipients[i])
		if sendErr != nil && isInfrastructure(sendErr) {
			return d.escape(ctx, jobID, persisted, sendErr)
		}

		rec := model.MessageSend{
			JobID:        jobID,
			LeadID:       job.Recipients[i].LeadID,
			Phone:        job.Recipients[i].Phone,
			TemplateName: job.TemplateName,
			Variables:    job.Variables,
		}
		now := d.now().UTC()
		if sendErr == nil {
			rec.Status = model.SendSent
			rec.WAMessageID = &waID
			rec.SentAt = &now
		} else {
			msg := sendErr.Error()
			rec.Status = model.SendFailed
			rec.ErrorMessage = &msg
		}
		if err := d.sends.Create(ctx, &rec); err != nil {
			return d.escape(ctx, jobID, persisted, fmt.Errorf("write send record: %w", err))
		}

		processed++
		if sendErr == nil {
			sent++
		} else {
			failed++
		}
		if err := d.jobs.UpdateProgress(ctx, jobID, processed, sent, failed); err != nil {
			return d.escape(ctx, jobID, persisted, fmt.Errorf("update progress: %w", err))
		}
		persisted = processed

		if sendErr == nil {
			d.metrics.RecordSuccess()
			d.limiter.RecordSend()
		} else {
			d.metrics.RecordFailure(sendErr.Error())
			d.log.Warn("send failed", "job", jobID, "recipient", i, "error", sendErr)
		}

		if processed%progressLogEvery == 0 {
			d.logProgress(jobID, runStart, job.ProcessedCount, processed, total)
		}

		if d.interSendDelay > 0 && i < total-1 {
			if err := sleepCtx(ctx, d.interSendDelay); err != nil {
				return d.escape(ctx, jobID, persisted, err)
			}
		}
	}

	final := model.JobCompleted
	if failed > 0 {
		final = model.JobPartial
	}
	completedAt := d.now().UTC()
	if err := d.jobs.Finish(ctx, jobID, final, completedAt); err != nil {
		return d.escape(ctx, jobID, persisted, fmt.Errorf("finish job: %w", err))
	}

	d.log.Info("dispatch finished",
		"job", jobID, "status", final,
		"processed", processed, "sent", sent, "failed", failed)
	return nil
}

// sendOne resolves the recipient's phone and performs one provider send.
// Returned errors are per-recipient unless wrapped as infrastructure ones.
func (d *Dispatcher) sendOne(ctx context.Context, job *model.BulkJob, tmpl *model.Template, r model.Recipient) (string, error) {
	phone := r.Phone
	if phone == "" && r.LeadID != nil {
		var err error
		phone, err = d.leads.Phone(ctx, *r.LeadID)
		if err != nil {
			return "", fmt.Errorf("lead %d: %w", *r.LeadID, err)
		}
	}
	if err := validatePhone(phone); err != nil {
		return "", err
	}

	for {
		ok, wait := d.limiter.CanSend()
		if ok {
			break
		}
		d.metrics.RecordRateLimitHit()
		d.log.Info("rate limited, waiting", "job", job.ID, "wait", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return "", infrastructure(err)
		}
	}

	res, err := d.client.SendTemplate(ctx, phone, tmpl.ProviderID, job.TemplateName, job.Variables)
	if err != nil {
		if ctx.Err() != nil {
			return "", infrastructure(ctx.Err())
		}
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("provider rejected send: %s", res.ErrorMessage)
	}
	return res.WAMessageID, nil
}

// escape applies the top-level failure policy: with zero progress the job is
// marked failed; with any progress it stays in processing so a later recovery
// sweep can resume it instead of discarding the work already done.
func (d *Dispatcher) escape(ctx context.Context, jobID string, processed int, cause error) error {
	if processed == 0 {
		now := d.now().UTC()
		if err := d.jobs.Finish(ctx, jobID, model.JobFailed, now); err != nil {
			d.log.Error("could not mark job failed", "job", jobID, "error", err)
		}
		d.log.Error("dispatch aborted before any progress", "job", jobID, "error", cause)
		return cause
	}
	d.log.Error("dispatch interrupted, job left resumable",
		"job", jobID, "processed", processed, "error", cause)
	return cause
}

func (d *Dispatcher) logProgress(jobID string, runStart time.Time, resumeAt, processed, total int) {
	elapsed := d.now().Sub(runStart).Seconds()
	doneThisRun := processed - resumeAt
	if elapsed <= 0 || doneThisRun <= 0 {
		return
	}
	rate := float64(doneThisRun) / elapsed
	eta := float64(total-processed) / rate
	d.log.Info("dispatch progress",
		"job", jobID, "processed", processed, "total", total,
		"ratePerSec", fmt.Sprintf("%.2f", rate),
		"etaSeconds", int(eta))
}

func validatePhone(phone string) error {
	if phone == "" {
		return errors.New("recipient has no phone number")
	}
	return nil
}

// infraError tags failures that must escape the per-recipient loop (storage
// down, context cancelled) instead of being recorded against one recipient.
type infraError struct {
	err error
}

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func infrastructure(err error) error {
	return &infraError{err: err}
}

func isInfrastructure(err error) bool {
	var ie *infraError
	return errors.As(err, &ie)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
