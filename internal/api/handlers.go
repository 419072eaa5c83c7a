package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/queue"
	"github.com/govsentry/cag/internal/store"
)

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	filters := store.ListDocumentFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := models.DocStatus(status)
		filters.Status = &st
	}

	docs, total, err := s.store.ListDocuments(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, docs, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

type createDocumentRequest struct {
	Title string `json:"title"`
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Title == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "title is required")
		return
	}

	doc := &models.Document{Title: req.Title}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid document ID")
		return
	}

	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) listSections(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid document ID")
		return
	}

	sections, err := s.store.ListSections(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, sections)
}

type createSectionRequest struct {
	Volume int    `json:"volume"`
	Number string `json:"number"`
	Title  string `json:"title"`
}

func (s *Server) createSection(w http.ResponseWriter, r *http.Request) {
	docID, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid document ID")
		return
	}

	var req createSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Number == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "number is required")
		return
	}
	if req.Volume <= 0 {
		req.Volume = 1
	}

	if _, err := s.store.GetDocument(r.Context(), docID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	section := &models.Section{
		DocumentID: docID,
		Volume:     req.Volume,
		Number:     req.Number,
		Title:      req.Title,
	}
	if err := s.store.CreateSection(r.Context(), section); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, section)
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sectionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid section ID")
		return
	}

	tags, err := s.store.TagsForSource(r.Context(), "document_section", id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, tags)
}

type createTagRequest struct {
	Category       models.Category      `json:"category"`
	Confidence     float64              `json:"confidence"`
	IndicatorText  string               `json:"indicator_text"`
	IndicatorType  models.IndicatorType `json:"indicator_type"`
	PositionStart  int                  `json:"position_start"`
	PositionEnd    int                  `json:"position_end"`
	ParagraphIndex int                  `json:"paragraph_index"`
	SectionContext string               `json:"section_context"`
}

func (s *Server) createTag(w http.ResponseWriter, r *http.Request) {
	sectionID, err := uuid.Parse(chi.URLParam(r, "sectionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid section ID")
		return
	}

	var req createTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if !models.ValidCategory(req.Category) {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown category: "+string(req.Category))
		return
	}
	if req.Confidence <= 0 || req.Confidence > 1 {
		req.Confidence = 1.0
	}

	if _, err := s.store.GetSection(r.Context(), sectionID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Section not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	tag := &models.Tag{
		SourceType:     "document_section",
		SourceID:       sectionID,
		Category:       req.Category,
		Confidence:     req.Confidence,
		IndicatorText:  req.IndicatorText,
		IndicatorType:  req.IndicatorType,
		PositionStart:  req.PositionStart,
		PositionEnd:    req.PositionEnd,
		ParagraphIndex: req.ParagraphIndex,
		SectionContext: req.SectionContext,
	}
	if err := s.store.CreateTag(r.Context(), tag); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, tag)
}

func (s *Server) deleteTags(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sectionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid section ID")
		return
	}

	if err := s.store.DeleteTagsForSource(r.Context(), "document_section", id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) scanDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid document ID")
		return
	}

	if s.queue != nil && r.URL.Query().Get("async") == "true" {
		job := &queue.Job{Type: queue.JobScanDocument, DocumentID: id}
		if err := s.queue.EnqueueScanJob(r.Context(), job); err != nil {
			respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, job)
		return
	}

	result, err := s.scanner.ScanDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "scan_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) scanSection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sectionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid section ID")
		return
	}

	result, err := s.scanner.ScanSection(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Section not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "scan_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) getMatrix(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid document ID")
		return
	}

	matrix, err := s.scanner.Matrix(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "scan_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, matrix)
}

func (s *Server) checkExport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid document ID")
		return
	}

	check, err := s.scanner.CheckBeforeExport(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "scan_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, check)
}

func (s *Server) getScanHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid document ID")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := s.scanner.ScanHistory(r.Context(), &id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, events)
}

func (s *Server) scanCrossDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid document ID")
		return
	}

	result, err := s.register.ScanCrossDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "scan_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	filters := store.ListAlertFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	if docID := r.URL.Query().Get("document_id"); docID != "" {
		if id, err := uuid.Parse(docID); err == nil {
			filters.DocumentID = &id
		}
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		sev := models.Severity(severity)
		filters.Severity = &sev
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := models.AlertStatus(status)
		filters.Status = &st
	}

	alerts, total, err := s.store.ListAlerts(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, alerts, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid alert ID")
		return
	}

	alert, err := s.store.GetAlert(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Alert not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, alert)
}

type updateAlertStatusRequest struct {
	Status models.AlertStatus `json:"status"`
	Notes  string             `json:"notes,omitempty"`
}

func (s *Server) updateAlertStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid alert ID")
		return
	}

	var req updateAlertStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if !models.ValidAlertStatus(req.Status) {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown status: "+string(req.Status))
		return
	}

	resolvedBy := ""
	if claims, ok := authClaims(r); ok {
		resolvedBy = claims.Username
	}

	if err := s.store.UpdateAlertStatus(r.Context(), id, req.Status, resolvedBy, req.Notes); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Alert not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	alert, err := s.store.GetAlert(r.Context(), id)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": string(req.Status)})
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

type dashboardSummary struct {
	Documents struct {
		Total       int `json:"total"`
		Blocked     int `json:"blocked"`
		Quarantined int `json:"quarantined"`
	} `json:"documents"`
	Alerts struct {
		Total    int `json:"total"`
		Open     int `json:"open"`
		Critical int `json:"critical"`
	} `json:"alerts"`
	Rules struct {
		Active int `json:"active"`
	} `json:"rules"`
	Exposure struct {
		Registered int `json:"registered"`
		Groups     int `json:"groups"`
	} `json:"exposure"`
}

func (s *Server) getDashboardSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.GetDashboardCounts(r.Context())
	if err != nil {
		s.logger.Error("failed to get dashboard counts", "error", err)
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to load dashboard")
		return
	}

	summary := dashboardSummary{}
	summary.Documents.Total = counts.TotalDocuments
	summary.Documents.Blocked = counts.BlockedDocuments
	summary.Documents.Quarantined = counts.QuarantinedDocs
	summary.Alerts.Total = counts.TotalAlerts
	summary.Alerts.Open = counts.OpenAlerts
	summary.Alerts.Critical = counts.CriticalAlerts
	summary.Rules.Active = counts.ActiveRules
	summary.Exposure.Registered = counts.ExposuresRegistered

	if groups, err := s.register.Groups(r.Context()); err == nil {
		summary.Exposure.Groups = len(groups)
	} else {
		s.logger.Warn("failed to summarize exposure groups", "error", err)
	}

	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	filters := store.ListAuditFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	filters.EventType = r.URL.Query().Get("event_type")
	filters.EntityType = r.URL.Query().Get("entity_type")
	filters.EntityID = r.URL.Query().Get("entity_id")

	events, err := s.store.ListAuditEvents(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, events)
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_disabled", "Scan queue is not configured")
		return
	}

	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	workers, err := s.queue.GetActiveWorkers(r.Context(), 30*time.Second)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"jobs":    stats,
		"workers": workers,
	})
}

func (s *Server) getJobProgress(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_disabled", "Scan queue is not configured")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid job ID")
		return
	}

	progress, err := s.queue.GetProgress(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if progress == nil {
		respondError(w, http.StatusNotFound, "not_found", "No progress record for job")
		return
	}

	respondJSON(w, http.StatusOK, progress)
}
