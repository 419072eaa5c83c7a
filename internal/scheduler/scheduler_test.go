package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/govsentry/cag/internal/models"
)

type fakeJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	execs []*JobExecution
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*Job)}
}

func (s *fakeJobStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return job, nil
}

func (s *fakeJobStore) ListJobs(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *fakeJobStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeJobStore) UpdateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeJobStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *fakeJobStore) UpdateLastRun(_ context.Context, id string, lastRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.LastRun = &lastRun
	}
	return nil
}

func (s *fakeJobStore) CreateExecution(_ context.Context, exec *JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, exec)
	return nil
}

func (s *fakeJobStore) UpdateExecution(_ context.Context, exec *JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.execs {
		if e.ID == exec.ID {
			s.execs[i] = exec
		}
	}
	return nil
}

func (s *fakeJobStore) GetJobExecutions(_ context.Context, jobID string, limit int) ([]*JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*JobExecution
	for _, e := range s.execs {
		if e.JobID == jobID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeJobStore) lastExecution() *JobExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.execs) == 0 {
		return nil
	}
	return s.execs[len(s.execs)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunJobNowInvokesHandler(t *testing.T) {
	store := newFakeJobStore()
	sched := NewScheduler(store, testLogger())

	ran := make(chan string, 1)
	handlers := &DefaultHandlers{
		RescanFunc: func(_ context.Context, documentID string) error {
			ran <- documentID
			return nil
		},
	}
	handlers.Register(sched)

	job := &Job{
		ID:       "job-rescan",
		Name:     "Nightly rescan",
		Schedule: "0 2 * * *",
		JobType:  JobTypeRescanDocument,
		Config:   map[string]string{"document_id": "doc-123"},
		Enabled:  true,
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := sched.RunJobNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}

	select {
	case got := <-ran:
		if got != "doc-123" {
			t.Errorf("handler got document %q, want doc-123", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		exec := store.lastExecution()
		if exec != nil && exec.Status == StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution record never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnhandledJobTypeFails(t *testing.T) {
	store := newFakeJobStore()
	sched := NewScheduler(store, testLogger())

	job := &Job{
		ID:       "job-orphan",
		Name:     "No handler",
		Schedule: "@daily",
		JobType:  JobTypeDailyDigest,
		Enabled:  true,
	}
	_ = store.CreateJob(context.Background(), job)

	if err := sched.RunJobNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		exec := store.lastExecution()
		if exec != nil && exec.Status == StatusFailed {
			if exec.Error == "" {
				t.Error("failed execution should record an error")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("execution never marked failed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduleJobRejectsBadCron(t *testing.T) {
	store := newFakeJobStore()
	sched := NewScheduler(store, testLogger())

	job := &Job{
		ID:       "job-bad",
		Name:     "Broken schedule",
		Schedule: "not a cron expression",
		JobType:  JobTypeRescanAll,
		Enabled:  true,
	}
	if err := sched.AddJob(context.Background(), job); err == nil {
		t.Error("invalid cron expression accepted")
	}
}
