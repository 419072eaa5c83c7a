package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/api"
	"github.com/govsentry/cag/internal/config"
	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/notifications"
	"github.com/govsentry/cag/internal/queue"
	"github.com/govsentry/cag/internal/scheduler"
	"github.com/govsentry/cag/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	opts := []api.ServerOption{api.WithLogger(logger)}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Warn("redis unavailable, async scans disabled", "error", err)
		q = nil
	} else {
		opts = append(opts, api.WithQueue(q))
	}

	server, err := api.NewServer(cfg, opts...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := server.RulesEngine().LoadUniversalRules(ctx); err != nil {
		logger.Warn("failed to load universal rules", "path", cfg.Guard.RulesPath, "error", err)
	} else {
		logger.Info("universal rules loaded", "count", n)
	}

	registerJobHandlers(server, logger)

	var workers []*queue.Worker
	if q != nil {
		for i := 0; i < cfg.Guard.ScanWorkers; i++ {
			w := queue.NewWorker(queue.WorkerConfig{
				Queue:    q,
				Scanner:  server.Scanner(),
				Register: server.Register(),
				Notifier: server.Notifications(),
				Docs:     server.Store(),
				Logger:   logger,
			})
			if err := w.Start(ctx); err != nil {
				logger.Error("failed to start worker", "error", err)
				continue
			}
			workers = append(workers, w)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting aggregation guard", "host", cfg.Server.Host, "port", cfg.Server.Port)
	err = server.Run(ctx)

	for _, w := range workers {
		w.Stop()
	}
	if q != nil {
		_ = q.Close()
	}

	if err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func registerJobHandlers(server *api.Server, logger *slog.Logger) {
	st := server.Store()
	scn := server.Scanner()
	reg := server.Register()

	handlers := &scheduler.DefaultHandlers{
		RescanFunc: func(ctx context.Context, documentID string) error {
			id, err := uuid.Parse(documentID)
			if err != nil {
				return fmt.Errorf("invalid document_id %q: %w", documentID, err)
			}
			_, err = scn.ScanDocument(ctx, id)
			return err
		},
		RescanAllFunc: func(ctx context.Context) error {
			return forEachDocument(ctx, st, func(doc *models.Document) error {
				if _, err := scn.ScanDocument(ctx, doc.ID); err != nil {
					logger.Warn("rescan failed", "document_id", doc.ID, "error", err)
				}
				return nil
			})
		},
		ReloadRulesFunc: func(ctx context.Context) error {
			_, err := server.RulesEngine().LoadUniversalRules(ctx)
			return err
		},
		CrossSweepFunc: func(ctx context.Context) error {
			return forEachDocument(ctx, st, func(doc *models.Document) error {
				if _, err := reg.ScanCrossDocument(ctx, doc.ID); err != nil {
					logger.Warn("cross-document scan failed", "document_id", doc.ID, "error", err)
				}
				return nil
			})
		},
		DigestFunc: func(ctx context.Context) error {
			return sendDailyDigest(ctx, st, server.Notifications())
		},
	}
	handlers.Register(server.Scheduler())
}

func forEachDocument(ctx context.Context, st *store.Store, fn func(*models.Document) error) error {
	offset := 0
	const pageSize = 200
	for {
		docs, total, err := st.ListDocuments(ctx, store.ListDocumentFilters{Limit: pageSize, Offset: offset})
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := fn(doc); err != nil {
				return err
			}
		}
		offset += len(docs)
		if offset >= total || len(docs) == 0 {
			return nil
		}
	}
}

func sendDailyDigest(ctx context.Context, st *store.Store, notifier *notifications.Service) error {
	since := time.Now().Add(-24 * time.Hour)

	alerts, _, err := st.ListAlerts(ctx, store.ListAlertFilters{Limit: 10000})
	if err != nil {
		return err
	}

	stats := notifications.DigestStats{Period: "24h"}
	categories := make(map[string]int)
	for _, a := range alerts {
		if a.CreatedAt.After(since) {
			stats.NewAlerts++
			switch a.Severity {
			case models.SeverityCritical:
				stats.CriticalAlerts++
			case models.SeverityHigh:
				stats.HighAlerts++
			}
			for _, cat := range a.CategoriesTriggered {
				categories[cat]++
			}
		}
		if a.ResolvedAt != nil && a.ResolvedAt.After(since) {
			stats.ResolvedAlerts++
		}
	}

	stats.TopCategories = categories

	if counts, err := st.GetDashboardCounts(ctx); err == nil {
		stats.DocumentsScanned = counts.TotalDocuments
		stats.ExposuresRecorded = counts.ExposuresRegistered
	}

	return notifier.DailyDigest(ctx, stats)
}
