package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/quality"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/ratelimit"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/service"
)

type Handler struct {
	jobs       *service.Jobs
	jobRepo    repo.JobRepository
	supervisor *service.Supervisor
	reconciler *service.Reconciler
	templates  *service.Templates
	limiter    *ratelimit.Limiter
	metrics    *quality.Metrics
	now        func() time.Time
}

func NewHandler(
	jobs *service.Jobs,
	jobRepo repo.JobRepository,
	supervisor *service.Supervisor,
	reconciler *service.Reconciler,
	templates *service.Templates,
	limiter *ratelimit.Limiter,
	metrics *quality.Metrics,
) *Handler {
	return &Handler{
		jobs:       jobs,
		jobRepo:    jobRepo,
		supervisor: supervisor,
		reconciler: reconciler,
		templates:  templates,
		limiter:    limiter,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req service.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	job, err := h.jobs.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":           job.ID,
		"total_recipients": job.TotalRecipients,
		"status":           job.Status,
	})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobRepo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Reading a stalled job may relaunch its dispatcher.
	recovered := h.supervisor.RecoverIfStalled(r.Context(), job)

	view := h.jobView(job)
	view.Recovered = recovered
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)

	jobs, err := h.jobRepo.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]jobView, 0, len(jobs))
	for i := range jobs {
		items = append(items, h.jobView(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": model.JobCancelled})
}

func (h *Handler) RecoverJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.supervisor.Recover(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "recovered": true})
}

func (h *Handler) FetchDetails(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SyncTemplates(w http.ResponseWriter, r *http.Request) {
	n, err := h.templates.Sync(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": n})
}

func (h *Handler) Limits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"limits":  h.limiter.Usage(),
		"quality": h.metrics.Snapshot(),
	})
}

type jobView struct {
	ID              string     `json:"job_id"`
	Name            string     `json:"name"`
	TemplateName    string     `json:"template_name"`
	Status          string     `json:"status"`
	TotalRecipients int        `json:"total_recipients"`
	ProcessedCount  int        `json:"processed_count"`
	SentCount       int        `json:"sent_count"`
	DeliveredCount  int        `json:"delivered_count"`
	ReadCount       int        `json:"read_count"`
	FailedCount     int        `json:"failed_count"`
	ProgressPct     float64    `json:"progress_pct"`
	DeliveryRate    float64    `json:"delivery_rate"`
	ReadRate        float64    `json:"read_rate"`
	SuccessRate     float64    `json:"success_rate"`
	EtaSeconds      *int       `json:"eta_seconds,omitempty"`
	Recovered       bool       `json:"recovered,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (h *Handler) jobView(job *model.BulkJob) jobView {
	v := jobView{
		ID:              job.ID,
		Name:            job.Name,
		TemplateName:    job.TemplateName,
		Status:          string(job.Status),
		TotalRecipients: job.TotalRecipients,
		ProcessedCount:  job.ProcessedCount,
		SentCount:       job.SentCount,
		DeliveredCount:  job.DeliveredCount,
		ReadCount:       job.ReadCount,
		FailedCount:     job.FailedCount,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if job.TotalRecipients > 0 {
		v.ProgressPct = 100 * float64(job.ProcessedCount) / float64(job.TotalRecipients)
		v.SuccessRate = float64(job.SentCount) / float64(job.TotalRecipients)
	}
	if job.SentCount > 0 {
		v.DeliveryRate = float64(job.DeliveredCount) / float64(job.SentCount)
	}
	if job.DeliveredCount > 0 {
		v.ReadRate = float64(job.ReadCount) / float64(job.DeliveredCount)
	}
	if job.Status == model.JobProcessing && job.StartedAt != nil && job.ProcessedCount > 0 {
		elapsed := h.now().Sub(*job.StartedAt).Seconds()
		perRecipient := elapsed / float64(job.ProcessedCount)
		eta := int(perRecipient * float64(job.TotalRecipients-job.ProcessedCount))
		v.EtaSeconds = &eta
	}
	return v
}

// writeError maps the service error taxonomy onto HTTP statuses: validation
// to 400, admission rejection to 429, unknown ids to 404, terminal-state and
// not-recoverable conflicts to 400.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	var rej *quality.RejectionError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Reason})
	case errors.As(err, &rej):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": rej.Reason})
	case errors.Is(err, repo.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
	case errors.Is(err, repo.ErrTerminal), errors.Is(err, service.ErrNotRecoverable):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
