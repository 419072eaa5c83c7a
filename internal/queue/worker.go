package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/exposure"
	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/notifications"
	"github.com/govsentry/cag/internal/scanner"
)

// DocumentGetter loads documents for notification context.
type DocumentGetter interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

type Worker struct {
	id       string
	queue    *Queue
	scanner  *scanner.Scanner
	register *exposure.Register
	notifier *notifications.Service
	docs     DocumentGetter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue    *Queue
	Scanner  *scanner.Scanner
	Register *exposure.Register
	Notifier *notifications.Service
	Docs     DocumentGetter
	Logger   *slog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:       workerID,
		queue:    cfg.Queue,
		scanner:  cfg.Scanner,
		register: cfg.Register,
		notifier: cfg.Notifier,
		docs:     cfg.Docs,
		logger:   logger.With("worker_id", workerID),
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("worker starting")

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.cleanupLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopping")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				w.logger.Error("dequeuing job", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if job == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			w.logger.Info("processing job",
				"job_id", job.ID,
				"type", job.Type,
				"document_id", job.DocumentID)

			if err := w.processJob(job); err != nil {
				w.logger.Error("job failed", "job_id", job.ID, "error", err)
				w.queue.RequeueJob(w.ctx, job, err.Error())
			} else {
				w.logger.Info("job completed", "job_id", job.ID)
				w.queue.CompleteJob(w.ctx, job, true)
			}
		}
	}
}

func (w *Worker) processJob(job *Job) error {
	switch job.Type {
	case JobScanDocument:
		return w.runDocumentScan(job)
	case JobCrossDocument:
		return w.runCrossDocumentScan(job)
	case JobExportCheck:
		return w.runExportCheck(job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (w *Worker) runDocumentScan(job *Job) error {
	started := time.Now()
	result, err := w.scanner.ScanDocument(w.ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("scanning document: %w", err)
	}

	_ = w.queue.UpdateProgress(w.ctx, &JobProgress{
		JobID:           job.ID,
		Status:          JobStatusRunning,
		SectionsScanned: result.SectionsScanned,
		AlertsRaised:    result.TotalAlerts,
		WorkerID:        w.id,
	})

	if w.notifier == nil {
		return nil
	}

	doc, err := w.docs.GetDocument(w.ctx, job.DocumentID)
	if err != nil {
		return nil
	}

	stats := notifications.ScanStats{
		SectionsScanned: result.SectionsScanned,
		TotalAlerts:     result.TotalAlerts,
		Duration:        time.Since(started),
	}
	for _, alert := range result.Alerts {
		switch alert.Severity {
		case models.SeverityCritical:
			stats.CriticalAlerts++
		case models.SeverityHigh:
			stats.HighAlerts++
		case models.SeverityMedium:
			stats.MediumAlerts++
		default:
			stats.LowAlerts++
		}
		if notifyErr := w.notifier.AlertRaised(w.ctx, alert, doc); notifyErr != nil {
			w.logger.Warn("alert notification failed", "error", notifyErr)
		}
	}

	if result.Status == models.DocStatusQuarantined {
		if notifyErr := w.notifier.DocumentQuarantined(w.ctx, doc, result.TotalAlerts); notifyErr != nil {
			w.logger.Warn("quarantine notification failed", "error", notifyErr)
		}
	}
	if notifyErr := w.notifier.ScanComplete(w.ctx, doc, stats); notifyErr != nil {
		w.logger.Warn("scan notification failed", "error", notifyErr)
	}

	return nil
}

func (w *Worker) runCrossDocumentScan(job *Job) error {
	result, err := w.register.ScanCrossDocument(w.ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("cross-document scan: %w", err)
	}

	w.logger.Info("cross-document scan finished",
		"document_id", job.DocumentID,
		"groups_checked", result.GroupsChecked,
		"groups_triggered", result.GroupsTriggered,
		"overall_risk", result.OverallRiskScore)

	return nil
}

func (w *Worker) runExportCheck(job *Job) error {
	check, err := w.scanner.CheckBeforeExport(w.ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("export check: %w", err)
	}

	if !check.ExportAllowed && w.notifier != nil {
		doc, docErr := w.docs.GetDocument(w.ctx, job.DocumentID)
		if docErr == nil {
			blocking := len(check.BlockingAlerts) + len(check.ExistingUnresolved)
			if notifyErr := w.notifier.ExportBlocked(w.ctx, doc, blocking); notifyErr != nil {
				w.logger.Warn("export notification failed", "error", notifyErr)
			}
		}
	}

	return nil
}

func (w *Worker) cleanupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 30*time.Minute)
			if err != nil {
				w.logger.Error("cleaning stale jobs", "error", err)
			} else if cleaned > 0 {
				w.logger.Info("cleaned up stale jobs", "count", cleaned)
			}
		}
	}
}
