package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
)

const (
	defaultStaleAfter    = 2 * time.Minute
	defaultMaxRunningAge = 5 * time.Minute
)

// JobRunner is what the supervisor launches; satisfied by *Dispatcher.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Supervisor owns the set of running dispatchers. It guarantees at most one
// dispatcher per job, launches them for new jobs, and resumes stalled ones
// at process start and on a timer.
type Supervisor struct {
	jobs   repo.JobRepository
	runner JobRunner
	log    *slog.Logger
	now    func() time.Time

	staleAfter    time.Duration
	maxRunningAge time.Duration

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc
}

type SupervisorConfig struct {
	Jobs   repo.JobRepository
	Runner JobRunner
	Log    *slog.Logger

	// StaleAfter is how long a processing job may go without a progress
	// update before a sweep considers it orphaned.
	StaleAfter time.Duration

	// MaxRunningAge is the absolute age since start past which a processing
	// job is considered orphaned regardless of recent updates.
	MaxRunningAge time.Duration
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	maxAge := cfg.MaxRunningAge
	if maxAge <= 0 {
		maxAge = defaultMaxRunningAge
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		jobs:          cfg.Jobs,
		runner:        cfg.Runner,
		log:           log,
		now:           time.Now,
		staleAfter:    stale,
		maxRunningAge: maxAge,
		active:        make(map[string]struct{}),
		base:          base,
		cancel:        cancel,
	}
}

// Launch starts a dispatcher goroutine for the job unless one is already
// running for it. Returns false when the job was already active.
func (s *Supervisor) Launch(jobID string) bool {
	s.mu.Lock()
	if _, running := s.active[jobID]; running {
		s.mu.Unlock()
		return false
	}
	s.active[jobID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(jobID)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("dispatcher panicked", "job", jobID, "panic", r)
			}
		}()

		if err := s.runner.Run(s.base, jobID); err != nil {
			s.log.Error("dispatcher exited with error", "job", jobID, "error", err)
		}
	}()
	return true
}

func (s *Supervisor) release(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
}

// Active reports whether a dispatcher is currently running for the job.
func (s *Supervisor) Active(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

// Sweep scans for orphaned processing jobs and relaunches a dispatcher for
// each. Finding nothing is not an error. Returns the IDs it relaunched.
func (s *Supervisor) Sweep(ctx context.Context) ([]string, error) {
	incomplete, err := s.jobs.ListIncomplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("list incomplete jobs: %w", err)
	}

	var launched []string
	for i := range incomplete {
		job := &incomplete[i]
		if !s.stalled(job) || s.Active(job.ID) {
			continue
		}

		// Re-read right before launch: the job may have been cancelled
		// between selection and now.
		status, err := s.jobs.GetStatus(ctx, job.ID)
		if err != nil {
			s.log.Warn("recovery status re-read failed", "job", job.ID, "error", err)
			continue
		}
		if status != model.JobProcessing {
			continue
		}

		if s.Launch(job.ID) {
			s.log.Info("recovering stalled job",
				"job", job.ID, "processed", job.ProcessedCount, "total", job.TotalRecipients)
			launched = append(launched, job.ID)
		}
	}
	return launched, nil
}

// stalled applies the dual-threshold selection rule: never started, quiet for
// longer than staleAfter, or running longer than maxRunningAge.
func (s *Supervisor) stalled(job *model.BulkJob) bool {
	if job.Status != model.JobProcessing || job.ProcessedCount >= job.TotalRecipients {
		return false
	}
	if job.StartedAt == nil {
		return true
	}
	now := s.now()
	if now.Sub(job.UpdatedAt) > s.staleAfter {
		return true
	}
	return now.Sub(*job.StartedAt) > s.maxRunningAge
}

// Recover is the operator-triggered variant: it relaunches a specific job
// without the staleness thresholds, still refusing terminal and fully
// processed jobs.
func (s *Supervisor) Recover(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrNotRecoverable, job.Status)
	}
	if job.Status == model.JobProcessing && job.ProcessedCount >= job.TotalRecipients {
		return fmt.Errorf("%w: all recipients already processed", ErrNotRecoverable)
	}
	if !s.Launch(jobID) {
		return fmt.Errorf("%w: a dispatcher is already running", ErrNotRecoverable)
	}
	s.log.Info("manual recovery launched", "job", jobID, "processed", job.ProcessedCount)
	return nil
}

// RecoverIfStalled relaunches the job only when the sweep selection rule
// matches it; reading a job's detail may trigger this probe. Returns whether
// a dispatcher was launched.
func (s *Supervisor) RecoverIfStalled(ctx context.Context, job *model.BulkJob) bool {
	if !s.stalled(job) || s.Active(job.ID) {
		return false
	}
	status, err := s.jobs.GetStatus(ctx, job.ID)
	if err != nil || status != model.JobProcessing {
		return false
	}
	if !s.Launch(job.ID) {
		return false
	}
	s.log.Info("auto-recovering stalled job on read", "job", job.ID, "processed", job.ProcessedCount)
	return true
}

// Shutdown cancels every running dispatcher's context and waits for them to
// drain, up to the given timeout.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("dispatchers did not drain in time")
	}
}
