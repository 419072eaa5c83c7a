// Package queue holds the Redis-backed scan queue. Scan requests for large
// documents go through here so the API can return immediately while workers
// chew through sections; when Redis is not configured the server falls back
// to scanning inline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ScanJobsQueue      = "cag:jobs:scan"
	ScanJobsProcessing = "cag:jobs:processing"
	ScanJobsCompleted  = "cag:jobs:completed"
	ScanJobsFailed     = "cag:jobs:failed"
	WorkerHeartbeatKey = "cag:workers:heartbeat"
	JobProgressPrefix  = "cag:job:progress:"
)

const (
	// maxAttempts bounds retries before a job lands in the failed set.
	maxAttempts = 3
	// requeueBackoff is multiplied by the attempt count on each retry.
	requeueBackoff = 30 * time.Second
	// progressTTL keeps progress records around long enough for the
	// status API without letting finished jobs pile up in Redis.
	progressTTL = 24 * time.Hour
)

// JobType selects what a worker does with a dequeued job.
type JobType string

const (
	JobScanDocument  JobType = "scan_document"
	JobCrossDocument JobType = "cross_document_scan"
	JobExportCheck   JobType = "export_check"
)

// JobStatus tracks a job through the queue.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Job is the unit of work a worker pulls off the queue. Priority shifts the
// sorted-set score: higher priority dequeues ahead of older low-priority jobs.
type Job struct {
	ID         uuid.UUID `json:"id"`
	Type       JobType   `json:"type"`
	DocumentID uuid.UUID `json:"document_id"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	Attempts   int       `json:"attempts"`
}

// JobProgress is what the status endpoint reports while a scan runs. Workers
// update it between sections so long documents show movement.
type JobProgress struct {
	JobID           uuid.UUID  `json:"job_id"`
	Status          JobStatus  `json:"status"`
	SectionsScanned int        `json:"sections_scanned"`
	AlertsRaised    int        `json:"alerts_raised"`
	Errors          []string   `json:"errors"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
}

// EnqueueScanJob pushes a job onto the scan queue and seeds its progress
// record. The ID is assigned here when the caller leaves it zero.
func (q *Queue) EnqueueScanJob(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	// Score is enqueue time minus a priority bonus, so a priority step
	// outweighs any realistic queue age.
	score := float64(job.CreatedAt.Unix()) - float64(job.Priority*1000)

	if err := q.client.ZAdd(ctx, ScanJobsQueue, redis.Z{
		Score:  score,
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	if err := q.UpdateProgress(ctx, &JobProgress{
		JobID:  job.ID,
		Status: JobStatusPending,
	}); err != nil {
		return fmt.Errorf("initializing progress: %w", err)
	}

	return nil
}

// DequeueJob pops the lowest-scored job and moves it to the processing set.
// Returns nil, nil when the queue is empty.
func (q *Queue) DequeueJob(ctx context.Context, workerID string) (*Job, error) {
	results, err := q.client.ZPopMin(ctx, ScanJobsQueue, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	raw, ok := results[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member type %T", results[0].Member)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}

	if err := q.client.SAdd(ctx, ScanJobsProcessing, raw).Err(); err != nil {
		// Put it back so another worker can pick it up.
		q.client.ZAdd(ctx, ScanJobsQueue, results[0])
		return nil, fmt.Errorf("marking job as processing: %w", err)
	}

	now := time.Now().UTC()
	_ = q.UpdateProgress(ctx, &JobProgress{
		JobID:     job.ID,
		Status:    JobStatusRunning,
		StartedAt: &now,
		WorkerID:  workerID,
	})

	return &job, nil
}

// CompleteJob moves a job out of the processing set into the completed or
// failed set and closes out its progress record.
func (q *Queue) CompleteJob(ctx context.Context, job *Job, success bool) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	q.client.SRem(ctx, ScanJobsProcessing, string(data))

	targetSet, status := ScanJobsCompleted, JobStatusCompleted
	if !success {
		targetSet, status = ScanJobsFailed, JobStatusFailed
	}

	if err := q.client.SAdd(ctx, targetSet, string(data)).Err(); err != nil {
		return fmt.Errorf("marking job complete: %w", err)
	}

	now := time.Now().UTC()
	progress := q.progressOrEmpty(ctx, job.ID)
	progress.Status = status
	progress.CompletedAt = &now
	return q.UpdateProgress(ctx, progress)
}

// RequeueJob puts a failed job back on the queue with a linear backoff. After
// maxAttempts the job is finalized as failed instead.
func (q *Queue) RequeueJob(ctx context.Context, job *Job, errorMsg string) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	q.client.SRem(ctx, ScanJobsProcessing, string(data))

	job.Attempts++
	if job.Attempts >= maxAttempts {
		return q.CompleteJob(ctx, job, false)
	}

	retryData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	backoff := time.Duration(job.Attempts) * requeueBackoff
	if err := q.client.ZAdd(ctx, ScanJobsQueue, redis.Z{
		Score:  float64(time.Now().Add(backoff).Unix()),
		Member: string(retryData),
	}).Err(); err != nil {
		return fmt.Errorf("requeuing job: %w", err)
	}

	progress := q.progressOrEmpty(ctx, job.ID)
	progress.Status = JobStatusPending
	progress.Errors = append(progress.Errors, errorMsg)
	return q.UpdateProgress(ctx, progress)
}

func (q *Queue) UpdateProgress(ctx context.Context, progress *JobProgress) error {
	progress.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	key := JobProgressPrefix + progress.JobID.String()
	if err := q.client.Set(ctx, key, string(data), progressTTL).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}

	return nil
}

// GetProgress returns nil, nil when no progress record exists, which covers
// both unknown job IDs and records past their TTL.
func (q *Queue) GetProgress(ctx context.Context, jobID uuid.UUID) (*JobProgress, error) {
	key := JobProgressPrefix + jobID.String()
	data, err := q.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var progress JobProgress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}

	return &progress, nil
}

func (q *Queue) progressOrEmpty(ctx context.Context, jobID uuid.UUID) *JobProgress {
	progress, _ := q.GetProgress(ctx, jobID)
	if progress == nil {
		progress = &JobProgress{JobID: jobID}
	}
	return progress
}

// GetQueueStats returns counts keyed pending/processing/completed/failed.
func (q *Queue) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	stats := map[string]int64{}
	for name, count := range map[string]*redis.IntCmd{
		"pending":    q.client.ZCard(ctx, ScanJobsQueue),
		"processing": q.client.SCard(ctx, ScanJobsProcessing),
		"completed":  q.client.SCard(ctx, ScanJobsCompleted),
		"failed":     q.client.SCard(ctx, ScanJobsFailed),
	} {
		n, err := count.Result()
		if err != nil {
			return nil, fmt.Errorf("counting %s jobs: %w", name, err)
		}
		stats[name] = n
	}
	return stats, nil
}

func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, WorkerHeartbeatKey, workerID, time.Now().UTC().Unix()).Err()
}

// GetActiveWorkers lists workers whose heartbeat is newer than timeout.
func (q *Queue) GetActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	cutoff := time.Now().Add(-timeout).Unix()
	var active []string
	for workerID, lastSeen := range workers {
		ts, err := strconv.ParseInt(lastSeen, 10, 64)
		if err != nil {
			continue
		}
		if ts > cutoff {
			active = append(active, workerID)
		}
	}

	return active, nil
}

// CleanupStaleJobs requeues jobs stuck in the processing set longer than
// timeout, typically after a worker died mid-scan. Jobs already at the
// attempt limit go straight to the failed set. Returns the number reclaimed.
func (q *Queue) CleanupStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	members, err := q.client.SMembers(ctx, ScanJobsProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing jobs: %w", err)
	}

	cleaned := 0
	for _, raw := range members {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}

		progress, err := q.GetProgress(ctx, job.ID)
		if err != nil || progress == nil {
			continue
		}
		if time.Since(progress.UpdatedAt) <= timeout {
			continue
		}

		q.client.SRem(ctx, ScanJobsProcessing, raw)

		job.Attempts++
		if job.Attempts >= maxAttempts {
			q.client.SAdd(ctx, ScanJobsFailed, raw)
		} else if retryData, err := json.Marshal(job); err == nil {
			q.client.ZAdd(ctx, ScanJobsQueue, redis.Z{
				Score:  float64(time.Now().Unix()),
				Member: string(retryData),
			})
		}
		cleaned++
	}

	return cleaned, nil
}
