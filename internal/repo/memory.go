package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
)

// In-memory implementations of the repositories, used by tests and for local
// runs without Postgres. Same guarded-transition semantics as the Postgres
// implementations.

type MemoryJobRepo struct {
	mu   sync.RWMutex
	jobs map[string]*model.BulkJob
}

func NewMemoryJobRepo() *MemoryJobRepo {
	return &MemoryJobRepo{jobs: map[string]*model.BulkJob{}}
}

func (r *MemoryJobRepo) Create(ctx context.Context, job *model.BulkJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneJob(job)
	cp.UpdatedAt = cp.CreatedAt
	r.jobs[job.ID] = cp
	return nil
}

func (r *MemoryJobRepo) Get(ctx context.Context, id string) (*model.BulkJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *MemoryJobRepo) GetStatus(ctx context.Context, id string) (model.JobStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	return j.Status, nil
}

func (r *MemoryJobRepo) List(ctx context.Context, limit int) ([]model.BulkJob, error) {
	if limit <= 0 {
		limit = 5
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*model.BulkJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })

	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]model.BulkJob, 0, len(all))
	for _, j := range all {
		out = append(out, *cloneJob(j))
	}
	return out, nil
}

func (r *MemoryJobRepo) ListIncomplete(ctx context.Context) ([]model.BulkJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.BulkJob
	for _, j := range r.jobs {
		if j.Status == model.JobProcessing && j.ProcessedCount < j.TotalRecipients {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (r *MemoryJobRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.Status = model.JobProcessing
	if j.StartedAt == nil {
		t := startedAt
		j.StartedAt = &t
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobRepo) UpdateProgress(ctx context.Context, id string, processed, sent, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.ProcessedCount = processed
	j.SentCount = sent
	j.FailedCount = failed
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobRepo) UpdateDeliveryCounts(ctx context.Context, id string, delivered, read, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.DeliveredCount = delivered
	j.ReadCount = read
	j.FailedCount = failed
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobRepo) Finish(ctx context.Context, id string, status model.JobStatus, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != model.JobProcessing {
		return nil
	}
	j.Status = status
	t := completedAt
	j.CompletedAt = &t
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobRepo) Cancel(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.Status = model.JobCancelled
	t := at
	j.CompletedAt = &t
	j.UpdatedAt = time.Now()
	return nil
}

// Touch backdates a job's updated_at/started_at, for staleness tests.
func (r *MemoryJobRepo) Touch(id string, startedAt *time.Time, updatedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.jobs[id]; ok {
		j.StartedAt = startedAt
		j.UpdatedAt = updatedAt
	}
}

func cloneJob(j *model.BulkJob) *model.BulkJob {
	cp := *j
	cp.Recipients = append([]model.Recipient(nil), j.Recipients...)
	if j.Variables != nil {
		cp.Variables = make(map[string]string, len(j.Variables))
		for k, v := range j.Variables {
			cp.Variables[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

type MemorySendRepo struct {
	mu     sync.RWMutex
	nextID int64
	sends  map[int64]*model.MessageSend
}

func NewMemorySendRepo() *MemorySendRepo {
	return &MemorySendRepo{sends: map[int64]*model.MessageSend{}}
}

func (r *MemorySendRepo) Create(ctx context.Context, send *model.MessageSend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	send.ID = r.nextID
	now := time.Now()
	send.CreatedAt = now
	send.UpdatedAt = now

	cp := *send
	r.sends[send.ID] = &cp
	return nil
}

func (r *MemorySendRepo) ListByJob(ctx context.Context, jobID string) ([]model.MessageSend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.MessageSend
	for _, s := range r.sends {
		if s.JobID == jobID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *MemorySendRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sends[id]
	if !ok || s.Status != model.SendSent {
		return nil
	}
	s.Status = model.SendDelivered
	if s.DeliveredAt == nil {
		t := at
		s.DeliveredAt = &t
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySendRepo) MarkRead(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sends[id]
	if !ok || (s.Status != model.SendSent && s.Status != model.SendDelivered) {
		return nil
	}
	s.Status = model.SendRead
	if s.ReadAt == nil {
		t := at
		s.ReadAt = &t
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySendRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sends[id]
	if !ok || s.Status != model.SendSent {
		return nil
	}
	s.Status = model.SendFailed
	s.ErrorMessage = &reason
	s.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySendRepo) CountByJob(ctx context.Context, jobID string) (SendCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c SendCounts
	for _, s := range r.sends {
		if s.JobID != jobID {
			continue
		}
		c.Total++
		switch s.Status {
		case model.SendSent:
			c.Sent++
		case model.SendDelivered:
			c.Sent++
			c.Delivered++
		case model.SendRead:
			c.Sent++
			c.Delivered++
			c.Read++
		case model.SendFailed:
			c.Failed++
		}
	}
	return c, nil
}

type MemoryTemplateRepo struct {
	mu        sync.RWMutex
	templates map[string]model.Template
}

func NewMemoryTemplateRepo() *MemoryTemplateRepo {
	return &MemoryTemplateRepo{templates: map[string]model.Template{}}
}

func (r *MemoryTemplateRepo) Get(ctx context.Context, name string) (*model.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (r *MemoryTemplateRepo) Upsert(ctx context.Context, t *model.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.templates[t.Name] = *t
	return nil
}

type MemoryLeadRepo struct {
	mu     sync.RWMutex
	phones map[int64]string
}

func NewMemoryLeadRepo() *MemoryLeadRepo {
	return &MemoryLeadRepo{phones: map[int64]string{}}
}

func (r *MemoryLeadRepo) SetPhone(leadID int64, phone string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phones[leadID] = phone
}

func (r *MemoryLeadRepo) Phone(ctx context.Context, leadID int64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	phone, ok := r.phones[leadID]
	if !ok {
		return "", ErrNotFound
	}
	return phone, nil
}
