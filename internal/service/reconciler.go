package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
)

// StatusClient is the slice of the provider API the reconciler needs.
type StatusClient interface {
	MessageStatus(ctx context.Context, waMessageID string, businessID *int64) (*model.MessageStatusInfo, error)
}

// ReconcileResult is the refreshed aggregate view after a reconciliation
// pass. Rates are zero when their denominator is zero.
type ReconcileResult struct {
	JobID        string  `json:"job_id"`
	Total        int     `json:"total"`
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Read         int     `json:"read"`
	Failed       int     `json:"failed"`
	Checked      int     `json:"checked"`
	Updated      int     `json:"updated"`
	DeliveryRate float64 `json:"delivery_rate"`
	ReadRate     float64 `json:"read_rate"`
	SuccessRate  float64 `json:"success_rate"`
}

// Reconciler pulls delivery and read receipts from the provider for a job's
// send records and folds them back into the job's aggregate counters. It
// never touches the dispatcher-owned processed/sent counters.
type Reconciler struct {
	jobs      repo.JobRepository
	sends     repo.SendRepository
	templates TemplateResolver
	client    StatusClient
	log       *slog.Logger
	now       func() time.Time
}

func NewReconciler(jobs repo.JobRepository, sends repo.SendRepository, templates TemplateResolver, client StatusClient, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		jobs:      jobs,
		sends:     sends,
		templates: templates,
		client:    client,
		log:       log,
		now:       time.Now,
	}
}

// Reconcile polls the provider for every record that has a provider message
// id and has not already failed or been read, applies the most definitive
// status reported, and recomputes the job's delivery counters.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string) (*ReconcileResult, error) {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// The per-template WhatsApp business id scopes the provider's status
	// lookup; a resolution failure degrades to an unscoped lookup.
	var businessID *int64
	if tmpl, err := r.templates.Resolve(ctx, job.TemplateName); err == nil && tmpl != nil {
		businessID = tmpl.BusinessID
	}

	records, err := r.sends.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list send records: %w", err)
	}

	checked, updated := 0, 0
	for i := range records {
		rec := &records[i]
		if rec.WAMessageID == nil || rec.Status == model.SendFailed || rec.Status == model.SendRead {
			continue
		}
		checked++

		info, err := r.client.MessageStatus(ctx, *rec.WAMessageID, businessID)
		if err != nil {
			r.log.Warn("status lookup failed", "job", jobID, "message", *rec.WAMessageID, "error", err)
			continue
		}

		if r.apply(ctx, rec, info) {
			updated++
		}
	}

	counts, err := r.sends.CountByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("recount sends: %w", err)
	}
	if err := r.jobs.UpdateDeliveryCounts(ctx, jobID, counts.Delivered, counts.Read, counts.Failed); err != nil {
		return nil, fmt.Errorf("update delivery counts: %w", err)
	}

	res := &ReconcileResult{
		JobID:     jobID,
		Total:     job.TotalRecipients,
		Sent:      counts.Sent,
		Delivered: counts.Delivered,
		Read:      counts.Read,
		Failed:    counts.Failed,
		Checked:   checked,
		Updated:   updated,
	}
	if counts.Sent > 0 {
		res.DeliveryRate = float64(counts.Delivered) / float64(counts.Sent)
	}
	if counts.Delivered > 0 {
		res.ReadRate = float64(counts.Read) / float64(counts.Delivered)
	}
	if job.TotalRecipients > 0 {
		res.SuccessRate = float64(counts.Sent) / float64(job.TotalRecipients)
	}

	r.log.Info("reconciliation finished",
		"job", jobID, "checked", checked, "updated", updated,
		"delivered", counts.Delivered, "read", counts.Read, "failed", counts.Failed)
	return res, nil
}

// apply moves one record forward per the provider's response. Precedence,
// most definitive first: read, delivered, failed; no status means the record
// stays where it is. The repository guards make every move monotonic, so a
// stale response can never pull a record backwards.
func (r *Reconciler) apply(ctx context.Context, rec *model.MessageSend, info *model.MessageStatusInfo) bool {
	now := r.now().UTC()
	switch {
	case info.ReadTime != nil || info.MessageStatus == "read":
		at := now
		if info.ReadTime != nil {
			at = *info.ReadTime
		}
		if err := r.sends.MarkRead(ctx, rec.ID, at); err != nil {
			r.log.Warn("mark read failed", "send", rec.ID, "error", err)
			return false
		}
	case info.DeliveredTime != nil || info.MessageStatus == "delivered":
		if rec.Status == model.SendDelivered {
			return false
		}
		at := now
		if info.DeliveredTime != nil {
			at = *info.DeliveredTime
		}
		if err := r.sends.MarkDelivered(ctx, rec.ID, at); err != nil {
			r.log.Warn("mark delivered failed", "send", rec.ID, "error", err)
			return false
		}
	case info.FailedTime != nil || info.MessageStatus == "failed":
		if rec.Status != model.SendSent {
			// delivered and read are more definitive than a late failure
			return false
		}
		reason := info.FailedReason
		if reason == "" {
			reason = "failed at provider"
		}
		if err := r.sends.MarkFailed(ctx, rec.ID, reason); err != nil {
			r.log.Warn("mark failed failed", "send", rec.ID, "error", err)
			return false
		}
	default:
		return false
	}
	return true
}
