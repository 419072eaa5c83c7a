package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/govsentry/cag/internal/exposure"
	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/reports"
	"github.com/govsentry/cag/internal/rules"
	"github.com/govsentry/cag/internal/scheduler"
)

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.schedulerStore.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	job := &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "job_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	ruleType := models.RuleType(r.URL.Query().Get("type"))

	rulesList, err := s.rulesEngine.ActiveRules(r.Context(), ruleType)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "validation_error", verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, rulesList)
}

func (s *Server) createOrgRule(w http.ResponseWriter, r *http.Request) {
	var in rules.OrgRuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	rule, err := s.rulesEngine.AddOrgRule(r.Context(), in)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "validation_error", verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) createSCGRule(w http.ResponseWriter, r *http.Request) {
	var in rules.OrgRuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	rule, err := s.rulesEngine.AddSCGRule(r.Context(), in)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "validation_error", verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) loadUniversalRules(w http.ResponseWriter, r *http.Request) {
	n, err := s.rulesEngine.LoadUniversalRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "rules_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"rules_loaded": n})
}

func (s *Server) recordExposure(w http.ResponseWriter, r *http.Request) {
	var in exposure.RecordInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	result, err := s.register.Record(r.Context(), in)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "validation_error", verr.Error())
			return
		}
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

type checkCumulativeRequest struct {
	CapabilityGroup string            `json:"capability_group"`
	NewCategories   []models.Category `json:"new_categories"`
}

func (s *Server) checkCumulative(w http.ResponseWriter, r *http.Request) {
	var req checkCumulativeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	check, err := s.register.CheckCumulative(r.Context(), req.CapabilityGroup, req.NewCategories)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "validation_error", verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, check)
}

func (s *Server) listExposureGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.register.Groups(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, groups)
}

func (s *Server) getExposureReport(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")

	report, err := s.register.Report(r.Context(), group)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "validation_error", verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, report)
}

type generateReportRequest struct {
	Type             reports.ReportType   `json:"type"`
	Format           reports.ReportFormat `json:"format"`
	Title            string               `json:"title"`
	DocumentIDs      []string             `json:"document_ids,omitempty"`
	CapabilityGroups []string             `json:"capability_groups,omitempty"`
	DateFrom         *time.Time           `json:"date_from,omitempty"`
	DateTo           *time.Time           `json:"date_to,omitempty"`
	Severities       []string             `json:"severities,omitempty"`
	Statuses         []string             `json:"statuses,omitempty"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Type == "" || req.Format == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type and format are required")
		return
	}

	if req.Title == "" {
		req.Title = string(req.Type) + " Report"
	}

	reportReq := &reports.ReportRequest{
		Type:             req.Type,
		Format:           req.Format,
		Title:            req.Title,
		DocumentIDs:      req.DocumentIDs,
		CapabilityGroups: req.CapabilityGroups,
		DateFrom:         req.DateFrom,
		DateTo:           req.DateTo,
		Severities:       req.Severities,
		Statuses:         req.Statuses,
	}

	report, err := s.reportGenerator.Generate(r.Context(), reportReq)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename)
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	_, _ = w.Write(report.Data)
}

func (s *Server) getReportTypes(w http.ResponseWriter, r *http.Request) {
	types := []map[string]string{
		{"type": "alerts", "name": "Alerts Report", "description": "Aggregation alerts with rule and classification detail"},
		{"type": "exposure", "name": "Exposure Register", "description": "Cross-document exposure history by capability group"},
		{"type": "documents", "name": "Document Inventory", "description": "Documents with scan status and open alerts"},
		{"type": "executive", "name": "Executive Summary", "description": "High-level aggregation posture"},
	}
	respondJSON(w, http.StatusOK, types)
}

func (s *Server) streamCSVReport(w http.ResponseWriter, r *http.Request) {
	reportType := r.URL.Query().Get("type")
	if reportType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}

	req := &reports.ReportRequest{
		Type:   reports.ReportType(reportType),
		Format: reports.FormatCSV,
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+reportType+"_export.csv")

	if err := s.reportGenerator.StreamCSV(r.Context(), w, req); err != nil {
		s.logger.Error("streaming error", "error", err)
	}
}

type notificationSettingsRequest struct {
	SlackEnabled    bool     `json:"slack_enabled"`
	SlackWebhookURL string   `json:"slack_webhook_url"`
	SlackChannel    string   `json:"slack_channel"`
	EmailEnabled    bool     `json:"email_enabled"`
	EmailRecipients []string `json:"email_recipients"`
	MinSeverity     string   `json:"min_severity"`
}

func (s *Server) getNotificationSettings(w http.ResponseWriter, r *http.Request) {
	settings := map[string]interface{}{
		"slack_enabled":    s.notificationConfig.Slack.Enabled,
		"slack_channel":    s.notificationConfig.Slack.Channel,
		"email_enabled":    s.notificationConfig.Email.Enabled,
		"email_recipients": s.notificationConfig.Email.To,
		"min_severity":     string(s.notificationConfig.Slack.MinSeverity),
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) updateNotificationSettings(w http.ResponseWriter, r *http.Request) {
	var req notificationSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.MinSeverity != "" && !models.ValidSeverity(models.Severity(req.MinSeverity)) {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown severity: "+req.MinSeverity)
		return
	}

	s.notificationConfig.Slack.Enabled = req.SlackEnabled
	if req.SlackWebhookURL != "" {
		s.notificationConfig.Slack.WebhookURL = req.SlackWebhookURL
	}
	s.notificationConfig.Slack.Channel = req.SlackChannel

	s.notificationConfig.Email.Enabled = req.EmailEnabled
	s.notificationConfig.Email.To = req.EmailRecipients

	if req.MinSeverity != "" {
		s.notificationConfig.Slack.MinSeverity = models.Severity(req.MinSeverity)
		s.notificationConfig.Email.MinSeverity = models.Severity(req.MinSeverity)
	}

	s.notificationService.UpdateConfig(s.notificationConfig)

	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
