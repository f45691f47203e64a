package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/quality"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSendClient records every phone it was asked to message. failAt marks
// zero-based call indices that return a provider rejection; onSend runs
// before each call.
type fakeSendClient struct {
	mu     sync.Mutex
	phones []string
	failAt map[int]bool
	onSend func(call int)
	errAt  map[int]error
}

func newFakeSendClient() *fakeSendClient {
	return &fakeSendClient{failAt: map[int]bool{}, errAt: map[int]error{}}
}

func (c *fakeSendClient) SendTemplate(ctx context.Context, phone, templateID, templateName string, variables map[string]string) (*model.SendResult, error) {
	c.mu.Lock()
	call := len(c.phones)
	c.phones = append(c.phones, phone)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := c.errAt[call]; err != nil {
		return nil, err
	}
	if c.failAt[call] {
		return &model.SendResult{Success: false, ErrorMessage: "number not on whatsapp", StatusCode: 400}, nil
	}
	return &model.SendResult{Success: true, WAMessageID: fmt.Sprintf("wa-%d", call)}, nil
}

func (c *fakeSendClient) sentPhones() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.phones))
	copy(out, c.phones)
	return out
}

// openLimiter admits everything and counts the sends recorded against it.
type openLimiter struct {
	mu       sync.Mutex
	recorded int
}

func (l *openLimiter) CanSend() (bool, time.Duration) { return true, 0 }

func (l *openLimiter) RecordSend() {
	l.mu.Lock()
	l.recorded++
	l.mu.Unlock()
}

func (l *openLimiter) sends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recorded
}

// throttleOnceLimiter denies the first CanSend with a short wait, then opens.
type throttleOnceLimiter struct {
	openLimiter
	denied bool
}

func (l *throttleOnceLimiter) CanSend() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.denied {
		l.denied = true
		return false, time.Millisecond
	}
	return true, 0
}

// fakeResolver serves templates from a map; missing names return ErrNotFound.
type fakeResolver struct {
	templates map[string]*model.Template
	err       error
}

func (r *fakeResolver) Resolve(ctx context.Context, name string) (*model.Template, error) {
	if r.err != nil {
		return nil, r.err
	}
	t, ok := r.templates[name]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return t, nil
}

func approvedResolver(name string, variableCount int) *fakeResolver {
	return &fakeResolver{templates: map[string]*model.Template{
		name: {Name: name, ProviderID: "184", Category: "utility", Status: "Approved", VariableCount: variableCount},
	}}
}

// fakeStatusClient answers status lookups from a map keyed by provider
// message id; unknown ids report nothing yet.
type fakeStatusClient struct {
	mu       sync.Mutex
	statuses map[string]model.MessageStatusInfo
	errs     map[string]error
	lookups  []string
}

func newFakeStatusClient() *fakeStatusClient {
	return &fakeStatusClient{statuses: map[string]model.MessageStatusInfo{}, errs: map[string]error{}}
}

func (c *fakeStatusClient) MessageStatus(ctx context.Context, waMessageID string, businessID *int64) (*model.MessageStatusInfo, error) {
	c.mu.Lock()
	c.lookups = append(c.lookups, waMessageID)
	c.mu.Unlock()

	if err := c.errs[waMessageID]; err != nil {
		return nil, err
	}
	info := c.statuses[waMessageID]
	return &info, nil
}

func seedJob(total int, status model.JobStatus, processed, sent, failed int) *model.BulkJob {
	recipients := make([]model.Recipient, total)
	for i := range recipients {
		recipients[i] = model.Recipient{Phone: fmt.Sprintf("98765432%02d", i)}
	}
	now := time.Now().UTC()
	return &model.BulkJob{
		ID:              fmt.Sprintf("job-%s-%d", status, total),
		Name:            "test batch",
		TemplateName:    "order_update",
		TemplateType:    "utility",
		Recipients:      recipients,
		Variables:       map[string]string{"var_1": "hello"},
		TotalRecipients: total,
		ProcessedCount:  processed,
		SentCount:       sent,
		FailedCount:     failed,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func newTestDispatcherConfig(jobs repo.JobRepository, sends repo.SendRepository, client SendClient, limiter AdmissionLimiter) DispatcherConfig {
	return DispatcherConfig{
		Jobs:             jobs,
		Sends:            sends,
		Leads:            repo.NewMemoryLeadRepo(),
		Templates:        approvedResolver("order_update", 1),
		Client:           client,
		Limiter:          limiter,
		Metrics:          quality.NewMetrics(),
		Log:              testLogger(),
		InterSendDelay:   -1,
		CancelCheckEvery: 10,
	}
}
