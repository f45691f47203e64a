package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/quality"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/ratelimit"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/service"
)

type fakeRunner struct {
	mu  sync.Mutex
	ran []string
}

func (r *fakeRunner) Run(ctx context.Context, jobID string) error {
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRunner) runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ran))
	copy(out, r.ran)
	return out
}

type fakeTemplateSource struct {
	list []model.Template
	err  error
}

func (s *fakeTemplateSource) Templates(ctx context.Context) ([]model.Template, error) {
	return s.list, s.err
}

type fakeStatusClient struct {
	statuses map[string]model.MessageStatusInfo
}

func (c *fakeStatusClient) MessageStatus(ctx context.Context, waMessageID string, businessID *int64) (*model.MessageStatusInfo, error) {
	info := c.statuses[waMessageID]
	return &info, nil
}

type testEnv struct {
	jobs    *repo.MemoryJobRepo
	sends   *repo.MemorySendRepo
	runner  *fakeRunner
	metrics *quality.Metrics
	status  *fakeStatusClient
	source  *fakeTemplateSource
	mux     http.Handler
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	jobRepo := repo.NewMemoryJobRepo()
	sendRepo := repo.NewMemorySendRepo()
	tmplRepo := repo.NewMemoryTemplateRepo()
	if err := tmplRepo.Upsert(context.Background(), &model.Template{
		Name: "order_update", ProviderID: "184", Category: "utility",
		Status: "Approved", VariableCount: 1,
	}); err != nil {
		t.Fatalf("seed template: %v", err)
	}

	source := &fakeTemplateSource{}
	templates := service.NewTemplates(source, tmplRepo, nil, log)

	limiter := ratelimit.New(4)
	metrics := quality.NewMetrics()
	gate := quality.NewGate(metrics, limiter)

	runner := &fakeRunner{}
	sup := service.NewSupervisor(service.SupervisorConfig{Jobs: jobRepo, Runner: runner, Log: log})
	jobs := service.NewJobs(jobRepo, templates, gate, sup, log)

	status := &fakeStatusClient{statuses: map[string]model.MessageStatusInfo{}}
	reconciler := service.NewReconciler(jobRepo, sendRepo, templates, status, log)

	h := NewHandler(jobs, jobRepo, sup, reconciler, templates, limiter, metrics)
	return &testEnv{
		jobs:    jobRepo,
		sends:   sendRepo,
		runner:  runner,
		metrics: metrics,
		status:  status,
		source:  source,
		mux:     Router(h),
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func seedJob(t *testing.T, env *testEnv, id string, total int, status model.JobStatus, processed, sent, failed int) *model.BulkJob {
	t.Helper()

	recipients := make([]model.Recipient, total)
	for i := range recipients {
		recipients[i] = model.Recipient{Phone: "9876543210"}
	}
	now := time.Now().UTC()
	job := &model.BulkJob{
		ID:              id,
		Name:            "test batch",
		TemplateName:    "order_update",
		Recipients:      recipients,
		Variables:       map[string]string{"var_1": "x"},
		TotalRecipients: total,
		ProcessedCount:  processed,
		SentCount:       sent,
		FailedCount:     failed,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := env.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rr := httptest.NewRecorder()

	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}

	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestCreateJob_Accepted(t *testing.T) {
	env := newTestServer(t)

	payload := `{
		"name": "spring promo",
		"template_name": "order_update",
		"recipients": [{"phone": "9876543210"}, {"phone": "9876543211"}],
		"variables": {"var_1": "hello"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(payload))
	rr := httptest.NewRecorder()

	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("expected a job_id, got %v", body)
	}
	if total, _ := body["total_recipients"].(float64); total != 2 {
		t.Fatalf("expected total_recipients 2, got %v", body)
	}

	if _, err := env.jobs.Get(context.Background(), jobID); err != nil {
		t.Fatalf("expected job persisted: %v", err)
	}
}

func TestCreateJob_ValidationError(t *testing.T) {
	env := newTestServer(t)

	payload := `{"template_name": "order_update", "recipients": []}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(payload))
	rr := httptest.NewRecorder()

	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
	}
	if len(env.runner.runs()) != 0 {
		t.Fatalf("expected no dispatcher launch on invalid request")
	}
}

func TestCreateJob_AdmissionRejected(t *testing.T) {
	env := newTestServer(t)

	// drive the rolling success rate below the floor
	for i := 0; i < 10; i++ {
		env.metrics.RecordSuccess()
	}
	for i := 0; i < 40; i++ {
		env.metrics.RecordFailure("provider rejected send")
	}

	payload := `{
		"template_name": "order_update",
		"recipients": [{"phone": "9876543210"}],
		"variables": {"var_1": "x"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(payload))
	rr := httptest.NewRecorder()

	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%q", rr.Code, rr.Body.String())
	}
	if len(env.runner.runs()) != 0 {
		t.Fatalf("expected no dispatcher launch on admission rejection")
	}
}

func TestGetJob(t *testing.T) {
	env := newTestServer(t)
	seedJob(t, env, "job-1", 10, model.JobCompleted, 10, 8, 2)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	rr := httptest.NewRecorder()

	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["status"] != "completed" {
		t.Fatalf("expected completed, got %v", body["status"])
	}
	if got := body["progress_pct"].(float64); got != 100 {
		t.Fatalf("expected progress 100, got %v", got)
	}
	if got := body["success_rate"].(float64); got != 0.8 {
		t.Fatalf("expected success rate 0.8, got %v", got)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil)
	rr := httptest.NewRecorder()

	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestGetJob_AutoRecoversStalledJob(t *testing.T) {
	env := newTestServer(t)
	job := seedJob(t, env, "job-stalled", 10, model.JobProcessing, 4, 4, 0)
	startedAt := time.Now().Add(-10 * time.Minute).UTC()
	env.jobs.Touch(job.ID, &startedAt, time.Now().Add(-3*time.Minute).UTC())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-stalled", nil)
	rr := httptest.NewRecorder()

	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if rec, _ := body["recovered"].(bool); !rec {
		t.Fatalf("expected the stalled job relaunched, got %v", body)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(env.runner.runs()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected a dispatcher launch, got %v", env.runner.runs())
}

func TestListJobs_RespectsLimit(t *testing.T) {
	env := newTestServer(t)
	seedJob(t, env, "job-a", 5, model.JobCompleted, 5, 5, 0)
	seedJob(t, env, "job-b", 5, model.JobCompleted, 5, 5, 0)
	seedJob(t, env, "job-c", 5, model.JobPending, 0, 0, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=2", nil)
	rr := httptest.NewRecorder()

	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	items, ok := body["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 items, got %v", body)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestServer(t)
	seedJob(t, env, "job-1", 5, model.JobPending, 0, 0, 0)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}

	// terminal now: a second cancel is a client error
	rr = httptest.NewRecorder()
	env.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/cancel", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on double cancel, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRecoverJob_TerminalRejected(t *testing.T) {
	env := newTestServer(t)
	seedJob(t, env, "job-done", 5, model.JobCompleted, 5, 5, 0)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-done/recover", nil)
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestFetchDetails_RefreshesCounts(t *testing.T) {
	env := newTestServer(t)
	seedJob(t, env, "job-1", 2, model.JobCompleted, 2, 2, 0)

	now := time.Now().UTC()
	waID := "wa-1"
	if err := env.sends.Create(context.Background(), &model.MessageSend{
		JobID: "job-1", Phone: "919876543210", TemplateName: "order_update",
		Status: model.SendSent, WAMessageID: &waID, SentAt: &now,
	}); err != nil {
		t.Fatalf("seed send: %v", err)
	}
	deliveredAt := now.Add(time.Minute)
	env.status.statuses["wa-1"] = model.MessageStatusInfo{DeliveredTime: &deliveredAt}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/fetch-details", nil)
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if got := body["delivered"].(float64); got != 1 {
		t.Fatalf("expected 1 delivered, got %v", body)
	}

	job, _ := env.jobs.Get(context.Background(), "job-1")
	if job.DeliveredCount != 1 {
		t.Fatalf("expected job delivered count refreshed, got %d", job.DeliveredCount)
	}
}

func TestSyncTemplates(t *testing.T) {
	env := newTestServer(t)
	env.source.list = []model.Template{
		{Name: "welcome", ProviderID: "185", Status: "Approved", VariableCount: 0},
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/templates/sync", nil)
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if got := body["synced"].(float64); got != 1 {
		t.Fatalf("expected 1 synced, got %v", body)
	}
}

func TestLimits(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/limits", nil)
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	limits, ok := body["limits"].(map[string]any)
	if !ok {
		t.Fatalf("expected limits object, got %v", body)
	}
	if tier := limits["tier"].(float64); tier != 4 {
		t.Fatalf("expected tier 4, got %v", limits)
	}
}
