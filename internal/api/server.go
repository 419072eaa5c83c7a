package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/govsentry/cag/internal/auth"
	"github.com/govsentry/cag/internal/config"
	"github.com/govsentry/cag/internal/exposure"
	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/notifications"
	"github.com/govsentry/cag/internal/proximity"
	"github.com/govsentry/cag/internal/queue"
	"github.com/govsentry/cag/internal/reports"
	"github.com/govsentry/cag/internal/rules"
	"github.com/govsentry/cag/internal/scanner"
	"github.com/govsentry/cag/internal/scheduler"
	"github.com/govsentry/cag/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	userStore   auth.UserStore

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	rulesEngine *rules.Engine
	scanner     *scanner.Scanner
	register    *exposure.Register

	queue *queue.Queue

	reportGenerator *reports.Generator

	notificationService *notifications.Service
	notificationConfig  notifications.Config
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithQueue enables asynchronous scans. Without it scan requests run inline.
func WithQueue(q *queue.Queue) ServerOption {
	return func(s *Server) {
		s.queue = q
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.userStore = auth.NewPostgresUserStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.userStore)

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)

	s.rulesEngine = rules.NewEngine(rules.NewPostgresStore(st.DB()), cfg.Guard.RulesPath)

	scorer := proximity.NewScorer(cfg.Guard.Proximity)
	s.scanner = scanner.New(st, scorer, s.logger)

	s.register = exposure.NewRegister(
		exposure.NewPostgresStore(st.DB()),
		s.rulesEngine,
		cfg.Guard.LookbackDays,
		s.logger,
	)

	s.notificationConfig = notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  cfg.Notifications.Slack.WebhookURL,
			Channel:     cfg.Notifications.Slack.Channel,
			Username:    "Aggregation Guard",
			IconEmoji:   ":shield:",
			Enabled:     cfg.Notifications.Slack.Enabled,
			MinSeverity: cfg.Notifications.MinSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    cfg.Notifications.Email.SMTPHost,
			SMTPPort:    cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    cfg.Notifications.Email.Password,
			From:        cfg.Notifications.Email.From,
			To:          cfg.Notifications.Email.To,
			Enabled:     cfg.Notifications.Email.Enabled,
			MinSeverity: cfg.Notifications.MinSeverity,
		},
	}
	s.notificationService = notifications.NewService(s.notificationConfig, s.logger)

	s.reportGenerator = reports.NewGenerator(&reportDataProvider{store: st, register: s.register})

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Post("/users", s.createUser)
			})

			r.Route("/documents", func(r chi.Router) {
				r.Get("/", s.listDocuments)
				r.Post("/", s.createDocument)
				r.Get("/{documentID}", s.getDocument)
				r.Get("/{documentID}/sections", s.listSections)
				r.Post("/{documentID}/sections", s.createSection)
				r.Post("/{documentID}/scan", s.scanDocument)
				r.Get("/{documentID}/matrix", s.getMatrix)
				r.Get("/{documentID}/export-check", s.checkExport)
				r.Get("/{documentID}/scan-history", s.getScanHistory)
				r.Post("/{documentID}/cross-document-scan", s.scanCrossDocument)
			})

			r.Route("/sections/{sectionID}", func(r chi.Router) {
				r.Get("/tags", s.listTags)
				r.Post("/tags", s.createTag)
				r.Delete("/tags", s.deleteTags)
				r.Post("/scan", s.scanSection)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.listAlerts)
				r.Get("/{alertID}", s.getAlert)
				r.Patch("/{alertID}/status", s.updateAlertStatus)
			})

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.listRules)
				r.Post("/org", s.createOrgRule)
				r.Post("/scg", s.createSCGRule)
				r.With(auth.RequireRole(auth.RoleAdmin)).Post("/load", s.loadUniversalRules)
			})

			r.Route("/exposure", func(r chi.Router) {
				r.Post("/", s.recordExposure)
				r.Post("/check", s.checkCumulative)
				r.Get("/groups", s.listExposureGroups)
				r.Get("/groups/{group}", s.getExposureReport)
			})

			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/summary", s.getDashboardSummary)
			})

			r.Route("/audit", func(r chi.Router) {
				r.Get("/", s.listAuditEvents)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/types", s.getReportTypes)
				r.Post("/generate", s.generateReport)
				r.Get("/stream", s.streamCSVReport)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/settings", s.getNotificationSettings)
				r.Put("/settings", s.updateNotificationSettings)
			})

			r.Route("/queue", func(r chi.Router) {
				r.Get("/stats", s.getQueueStats)
				r.Get("/jobs/{jobID}", s.getJobProgress)
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

func (s *Server) RulesEngine() *rules.Engine {
	return s.rulesEngine
}

func (s *Server) Scanner() *scanner.Scanner {
	return s.scanner
}

func (s *Server) Register() *exposure.Register {
	return s.register
}

func (s *Server) Notifications() *notifications.Service {
	return s.notificationService
}

func (s *Server) Store() *store.Store {
	return s.store
}

type reportDataProvider struct {
	store    *store.Store
	register *exposure.Register
}

func (p *reportDataProvider) GetAlerts(ctx context.Context, filters reports.AlertsFilter) ([]*reports.ReportAlert, error) {
	storeFilters := store.ListAlertFilters{Limit: 10000}
	if len(filters.Severities) == 1 {
		sev := models.Severity(filters.Severities[0])
		storeFilters.Severity = &sev
	}
	if len(filters.Statuses) == 1 {
		st := models.AlertStatus(filters.Statuses[0])
		storeFilters.Status = &st
	}

	alerts, _, err := p.store.ListAlerts(ctx, storeFilters)
	if err != nil {
		return nil, err
	}

	titles := make(map[string]string)
	result := make([]*reports.ReportAlert, 0, len(alerts))
	for _, a := range alerts {
		if filters.DateFrom != nil && a.CreatedAt.Before(*filters.DateFrom) {
			continue
		}
		if filters.DateTo != nil && a.CreatedAt.After(*filters.DateTo) {
			continue
		}

		title, ok := titles[a.DocumentID.String()]
		if !ok {
			if doc, err := p.store.GetDocument(ctx, a.DocumentID); err == nil {
				title = doc.Title
			}
			titles[a.DocumentID.String()] = title
		}

		result = append(result, &reports.ReportAlert{
			ID:             a.ID.String(),
			DocumentID:     a.DocumentID.String(),
			DocumentTitle:  title,
			RuleID:         a.RuleID,
			RuleName:       a.RuleName,
			Severity:       string(a.Severity),
			Status:         string(a.Status),
			Categories:     a.CategoriesTriggered,
			ProximityType:  a.ProximityType,
			RiskScore:      a.RiskScore,
			ResultingClass: a.ResultingClass,
			Remediation:    a.Remediation,
			CreatedAt:      a.CreatedAt,
			UpdatedAt:      a.UpdatedAt,
		})
	}
	return result, nil
}

func (p *reportDataProvider) GetExposures(ctx context.Context, filters reports.ExposuresFilter) ([]*reports.ReportExposure, error) {
	var result []*reports.ReportExposure

	groups := filters.CapabilityGroups
	if len(groups) == 0 {
		summaries, err := p.register.Groups(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range summaries {
			groups = append(groups, s.CapabilityGroup)
		}
	}

	for _, group := range groups {
		report, err := p.register.Report(ctx, group)
		if err != nil {
			return nil, err
		}
		for _, e := range report.Entries {
			if filters.DateFrom != nil && e.ExposureDate.Before(*filters.DateFrom) {
				continue
			}
			if filters.DateTo != nil && e.ExposureDate.After(*filters.DateTo) {
				continue
			}
			result = append(result, &reports.ReportExposure{
				ID:              e.ExposureID.String(),
				CapabilityGroup: report.CapabilityGroup,
				DocumentID:      e.DocumentID.String(),
				DocumentTitle:   e.DocumentTitle,
				Categories:      e.CategoriesExposed,
				Audience:        e.Audience,
				ExposureDate:    e.ExposureDate,
				CumulativeClass: report.CumulativeClass,
				AlertGenerated:  e.AlertGenerated,
			})
		}
	}
	return result, nil
}

func (p *reportDataProvider) GetDocuments(ctx context.Context) ([]*reports.ReportDocument, error) {
	docs, _, err := p.store.ListDocuments(ctx, store.ListDocumentFilters{Limit: 10000})
	if err != nil {
		return nil, err
	}

	result := make([]*reports.ReportDocument, len(docs))
	for i, d := range docs {
		open := 0
		if alerts, err := p.store.UnresolvedBlockingAlerts(ctx, d.ID); err == nil {
			open = len(alerts)
		}
		result[i] = &reports.ReportDocument{
			ID:         d.ID.String(),
			Title:      d.Title,
			Status:     string(d.Status),
			OpenAlerts: open,
			LastScanAt: d.LastScanAt,
			CreatedAt:  d.CreatedAt,
		}
	}
	return result, nil
}

func (p *reportDataProvider) GetStats(ctx context.Context) (*reports.Stats, error) {
	counts, err := p.store.GetDashboardCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &reports.Stats{
		TotalDocuments:       counts.TotalDocuments,
		BlockedDocuments:     counts.BlockedDocuments,
		QuarantinedDocuments: counts.QuarantinedDocs,
		TotalAlerts:          counts.TotalAlerts,
		OpenAlerts:           counts.OpenAlerts,
		CriticalAlerts:       counts.CriticalAlerts,
		ExposuresRegistered:  counts.ExposuresRegistered,
		CategoryCounts:       make(map[string]int),
		ProximityCounts:      make(map[string]int),
	}

	alerts, _, err := p.store.ListAlerts(ctx, store.ListAlertFilters{Limit: 10000})
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		switch a.Severity {
		case models.SeverityHigh:
			stats.HighAlerts++
		case models.SeverityMedium:
			stats.MediumAlerts++
		case models.SeverityLow:
			stats.LowAlerts++
		}
		if !a.Status.Unresolved() {
			stats.ResolvedAlerts++
		}
		for _, cat := range a.CategoriesTriggered {
			stats.CategoryCounts[cat]++
		}
		stats.ProximityCounts[a.ProximityType]++
	}

	if groups, err := p.register.Groups(ctx); err == nil {
		stats.CapabilityGroups = len(groups)
	}

	return stats, nil
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
