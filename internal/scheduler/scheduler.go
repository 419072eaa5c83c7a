package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a recurring guard task: a cron schedule bound to one of the
// known job types, with free-form config for per-job parameters
// (rescan_document needs a document_id, the rest run unparameterized).
type Job struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Schedule    string            `json:"schedule" db:"schedule"`
	JobType     JobType           `json:"job_type" db:"job_type"`
	Config      map[string]string `json:"config" db:"config"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty" db:"last_run"`
	NextRun     *time.Time        `json:"next_run,omitempty" db:"next_run"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

type JobType string

const (
	JobTypeRescanDocument JobType = "rescan_document"
	JobTypeRescanAll      JobType = "rescan_all_documents"
	JobTypeReloadRules    JobType = "reload_rules"
	JobTypeCrossDocSweep  JobType = "cross_document_sweep"
	JobTypeDailyDigest    JobType = "daily_digest"
	JobTypeGenerateReport JobType = "generate_report"
)

// JobExecution is one run of a job, kept for the execution history API.
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

type JobHandler func(ctx context.Context, job *Job) error

// Store is the persistence the scheduler needs; implemented by
// PostgresStore and faked in tests.
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

// Scheduler drives recurring guard work: nightly rescans, rule reloads,
// the cross-document sweep and the digest. Handlers are registered per
// job type; jobs without a handler fail visibly in their execution
// record rather than being dropped.
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start loads persisted jobs and schedules the enabled ones. A job with
// a bad cron expression is logged and skipped so one broken job cannot
// keep the rest from running.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if err := s.scheduleJob(job); err != nil {
			s.logger.Error("failed to schedule job",
				"job_id", job.ID,
				"job_name", job.Name,
				"error", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(jobs))

	return nil
}

// Stop halts scheduling; the returned context is done once in-flight
// jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled {
		return s.scheduleJob(job)
	}

	return nil
}

func (s *Scheduler) UpdateJob(ctx context.Context, job *Job) error {
	s.unscheduleJob(job.ID)

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled {
		return s.scheduleJob(job)
	}

	return nil
}

func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

func (s *Scheduler) EnableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = true
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	return s.scheduleJob(job)
}

func (s *Scheduler) DisableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = false
	s.unscheduleJob(id)

	return s.store.UpdateJob(ctx, job)
}

// RunJobNow triggers a job out of schedule. Execution is asynchronous;
// the result lands in the execution history like any scheduled run.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	go s.executeJob(job)
	return nil
}

// GetNextRuns returns the next count fire times for a scheduled job.
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := entry.Next
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}

	return runs
}

func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.entries[job.ID] = entryID

	entry := s.cron.Entry(entryID)
	nextRun := entry.Next
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)

	return nil
}

func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) executeJob(job *Job) {
	ctx := context.Background()
	started := time.Now().UTC()

	exec := &JobExecution{
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: started,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "error", err)
	}

	s.logger.Info("executing job",
		"job_id", job.ID,
		"job_name", job.Name,
		"execution_id", exec.ID)

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	if !ok {
		s.finishExecution(ctx, exec, started,
			fmt.Errorf("no handler registered for job type %q", job.JobType))
		return
	}

	err := handler(ctx, job)
	s.finishExecution(ctx, exec, started, err)

	if logErr := s.store.UpdateLastRun(ctx, job.ID, started); logErr != nil {
		s.logger.Warn("failed to record last run", "job_id", job.ID, "error", logErr)
	}

	if err != nil {
		s.logger.Error("job execution failed",
			"job_id", job.ID,
			"job_name", job.Name,
			"error", err,
			"duration", time.Since(started))
	} else {
		s.logger.Info("job execution completed",
			"job_id", job.ID,
			"job_name", job.Name,
			"duration", time.Since(started))
	}
}

func (s *Scheduler) finishExecution(ctx context.Context, exec *JobExecution, started time.Time, err error) {
	ended := time.Now().UTC()
	exec.EndedAt = &ended
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
	} else {
		exec.Status = StatusCompleted
	}
	if uerr := s.store.UpdateExecution(ctx, exec); uerr != nil {
		s.logger.Warn("failed to update execution record", "execution_id", exec.ID, "error", uerr)
	}
}

// DefaultHandlers bundles the closures cmd/server wires for each job
// type. Register skips nil members, leaving that job type unhandled.
type DefaultHandlers struct {
	RescanFunc      func(ctx context.Context, documentID string) error
	RescanAllFunc   func(ctx context.Context) error
	ReloadRulesFunc func(ctx context.Context) error
	CrossSweepFunc  func(ctx context.Context) error
	DigestFunc      func(ctx context.Context) error
	ReportFunc      func(ctx context.Context, config map[string]string) error
}

// Register registers default handlers with the scheduler
func (h *DefaultHandlers) Register(s *Scheduler) {
	if h.RescanFunc != nil {
		s.RegisterHandler(JobTypeRescanDocument, func(ctx context.Context, job *Job) error {
			documentID := job.Config["document_id"]
			if documentID == "" {
				return fmt.Errorf("document_id not specified in job config")
			}
			return h.RescanFunc(ctx, documentID)
		})
	}

	if h.RescanAllFunc != nil {
		s.RegisterHandler(JobTypeRescanAll, func(ctx context.Context, job *Job) error {
			return h.RescanAllFunc(ctx)
		})
	}

	if h.ReloadRulesFunc != nil {
		s.RegisterHandler(JobTypeReloadRules, func(ctx context.Context, job *Job) error {
			return h.ReloadRulesFunc(ctx)
		})
	}

	if h.CrossSweepFunc != nil {
		s.RegisterHandler(JobTypeCrossDocSweep, func(ctx context.Context, job *Job) error {
			return h.CrossSweepFunc(ctx)
		})
	}

	if h.DigestFunc != nil {
		s.RegisterHandler(JobTypeDailyDigest, func(ctx context.Context, job *Job) error {
			return h.DigestFunc(ctx)
		})
	}

	if h.ReportFunc != nil {
		s.RegisterHandler(JobTypeGenerateReport, func(ctx context.Context, job *Job) error {
			return h.ReportFunc(ctx, job.Config)
		})
	}
}
