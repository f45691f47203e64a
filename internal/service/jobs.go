package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/client"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/quality"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
)

// Admitter decides whether a new bulk job may enter the system; satisfied by
// *quality.Gate.
type Admitter interface {
	AdmitJob(recipientCount int) error
}

type CreateJobRequest struct {
	Name         string            `json:"name"`
	TemplateName string            `json:"template_name"`
	Recipients   []model.Recipient `json:"recipients"`
	Variables    map[string]string `json:"variables"`
}

// Jobs validates and admits new bulk jobs, persists them, and hands them to
// the supervisor for dispatch.
type Jobs struct {
	jobs       repo.JobRepository
	templates  TemplateResolver
	gate       Admitter
	supervisor *Supervisor
	log        *slog.Logger
	now        func() time.Time
}

func NewJobs(jobs repo.JobRepository, templates TemplateResolver, gate Admitter, supervisor *Supervisor, log *slog.Logger) *Jobs {
	if log == nil {
		log = slog.Default()
	}
	return &Jobs{
		jobs:       jobs,
		templates:  templates,
		gate:       gate,
		supervisor: supervisor,
		log:        log,
		now:        time.Now,
	}
}

// Create validates the request, runs it through the quality gate, persists
// the job in pending and launches its dispatcher. Validation failures come
// back as *ValidationError, admission failures as *quality.RejectionError.
func (j *Jobs) Create(ctx context.Context, req CreateJobRequest) (*model.BulkJob, error) {
	if strings.TrimSpace(req.TemplateName) == "" {
		return nil, &ValidationError{Reason: "template_name is required"}
	}
	if len(req.Recipients) == 0 {
		return nil, &ValidationError{Reason: "at least one recipient is required"}
	}
	for i, r := range req.Recipients {
		if r.Phone == "" && r.LeadID == nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("recipient %d has neither a phone number nor a lead reference", i)}
		}
		if r.Phone != "" {
			if err := client.ValidatePhone(client.CleanPhone(r.Phone)); err != nil {
				return nil, &ValidationError{Reason: fmt.Sprintf("recipient %d: %v", i, err)}
			}
		}
	}

	tmpl, err := j.templates.Resolve(ctx, req.TemplateName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &ValidationError{Reason: fmt.Sprintf("unknown template %q", req.TemplateName)}
		}
		return nil, err
	}
	if !tmpl.Approved() {
		return nil, &ValidationError{Reason: fmt.Sprintf("template %q is not approved (status %s)", tmpl.Name, tmpl.Status)}
	}
	if got := client.BodyVariableCount(req.Variables); got < tmpl.VariableCount {
		return nil, &ValidationError{Reason: fmt.Sprintf("template %q needs %d variables, got %d", tmpl.Name, tmpl.VariableCount, got)}
	}

	if err := j.gate.AdmitJob(len(req.Recipients)); err != nil {
		var rej *quality.RejectionError
		if errors.As(err, &rej) {
			j.log.Warn("job rejected at admission", "template", req.TemplateName,
				"recipients", len(req.Recipients), "reason", rej.Reason)
		}
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s", req.TemplateName, j.now().Format("2006-01-02 15:04"))
	}

	now := j.now().UTC()
	job := &model.BulkJob{
		ID:              uuid.NewString(),
		Name:            name,
		TemplateName:    tmpl.Name,
		TemplateType:    tmpl.Category,
		Recipients:      req.Recipients,
		Variables:       req.Variables,
		TotalRecipients: len(req.Recipients),
		Status:          model.JobPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := j.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	j.supervisor.Launch(job.ID)
	j.log.Info("job admitted", "job", job.ID, "template", job.TemplateName, "recipients", job.TotalRecipients)
	return job, nil
}

// Cancel requests cooperative cancellation. The running dispatcher notices at
// its next status probe; progress freezes wherever it happened to be.
func (j *Jobs) Cancel(ctx context.Context, jobID string) error {
	if err := j.jobs.Cancel(ctx, jobID, j.now().UTC()); err != nil {
		return err
	}
	j.log.Info("job cancellation requested", "job", jobID)
	return nil
}
