// Package store is the PostgreSQL persistence layer shared by the API and
// the scan pipeline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/govsentry/cag/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = models.DocStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, cag_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		doc.ID, doc.Title, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := s.db.GetContext(ctx, &doc, `
		SELECT id, title, cag_status, cag_last_scan, created_at, updated_at
		FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	return &doc, nil
}

type ListDocumentFilters struct {
	Status *models.DocStatus
	Limit  int
	Offset int
}

func (s *Store) ListDocuments(ctx context.Context, filters ListDocumentFilters) ([]*models.Document, int, error) {
	baseQuery := `FROM documents WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.Status != nil {
		baseQuery += fmt.Sprintf(" AND cag_status = $%d", argIdx)
		args = append(args, *filters.Status)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("counting documents: %w", err)
	}

	selectQuery := "SELECT id, title, cag_status, cag_last_scan, created_at, updated_at " +
		baseQuery + " ORDER BY updated_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var docs []*models.Document
	if err := s.db.SelectContext(ctx, &docs, selectQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("querying documents: %w", err)
	}
	return docs, total, nil
}

func (s *Store) CreateSection(ctx context.Context, section *models.Section) error {
	if section.ID == uuid.Nil {
		section.ID = uuid.New()
	}
	section.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_sections (id, document_id, volume, section_number, title, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		section.ID, section.DocumentID, section.Volume, section.Number, section.Title, section.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting section: %w", err)
	}
	return nil
}

func (s *Store) GetSection(ctx context.Context, id uuid.UUID) (*models.Section, error) {
	var section models.Section
	err := s.db.GetContext(ctx, &section, `
		SELECT id, document_id, volume, section_number, title, created_at
		FROM document_sections WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying section: %w", err)
	}
	return &section, nil
}

func (s *Store) ListSections(ctx context.Context, documentID uuid.UUID) ([]*models.Section, error) {
	var sections []*models.Section
	err := s.db.SelectContext(ctx, &sections, `
		SELECT id, document_id, volume, section_number, title, created_at
		FROM document_sections
		WHERE document_id = $1
		ORDER BY volume, section_number`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying sections: %w", err)
	}
	return sections, nil
}

func (s *Store) CreateTag(ctx context.Context, tag *models.Tag) error {
	if tag.ID == uuid.Nil {
		tag.ID = uuid.New()
	}
	tag.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cag_data_tags (
			id, source_type, source_id, category, confidence, indicator_text,
			indicator_type, position_start, position_end, paragraph_index,
			section_context, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tag.ID, tag.SourceType, tag.SourceID, tag.Category, tag.Confidence,
		tag.IndicatorText, tag.IndicatorType, tag.PositionStart, tag.PositionEnd,
		tag.ParagraphIndex, tag.SectionContext, tag.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting tag: %w", err)
	}
	return nil
}

func (s *Store) TagsForSource(ctx context.Context, sourceType string, sourceID uuid.UUID) ([]models.Tag, error) {
	var tags []models.Tag
	err := s.db.SelectContext(ctx, &tags, `
		SELECT id, source_type, source_id, category, confidence, indicator_text,
		       indicator_type, position_start, position_end, paragraph_index,
		       section_context, created_at
		FROM cag_data_tags
		WHERE source_type = $1 AND source_id = $2
		ORDER BY paragraph_index, position_start`, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying tags: %w", err)
	}
	return tags, nil
}

func (s *Store) DeleteTagsForSource(ctx context.Context, sourceType string, sourceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cag_data_tags WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID)
	if err != nil {
		return fmt.Errorf("deleting tags: %w", err)
	}
	return nil
}

func (s *Store) ActiveRules(ctx context.Context, ruleType models.RuleType) ([]*models.Rule, error) {
	query := `
		SELECT id, rule_id, rule_type, name, COALESCE(description, '') AS description,
		       severity, trigger_logic, trigger_categories, resulting_classification,
		       action, COALESCE(remediation, '') AS remediation,
		       COALESCE(scg_program_id, '') AS scg_program_id, is_active,
		       created_at, updated_at
		FROM cag_rules
		WHERE is_active = true`
	args := make([]interface{}, 0, 1)
	if ruleType != "" {
		query += ` AND rule_type = $1`
		args = append(args, ruleType)
	}
	query += ` ORDER BY rule_type, rule_id`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	ruleSet := make([]*models.Rule, len(rows))
	for i, r := range rows {
		ruleSet[i] = r.toRule()
	}
	return ruleSet, nil
}

type ruleRow struct {
	ID             uuid.UUID          `db:"id"`
	RuleID         string             `db:"rule_id"`
	RuleType       models.RuleType    `db:"rule_type"`
	Name           string             `db:"name"`
	Description    string             `db:"description"`
	Severity       models.Severity    `db:"severity"`
	TriggerLogic   models.Trigger     `db:"trigger_logic"`
	TriggerCats    models.StringArray `db:"trigger_categories"`
	ResultingClass string             `db:"resulting_classification"`
	Action         models.Action      `db:"action"`
	Remediation    string             `db:"remediation"`
	SCGProgramID   string             `db:"scg_program_id"`
	Active         bool               `db:"is_active"`
	CreatedAt      time.Time          `db:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at"`
}

func (r ruleRow) toRule() *models.Rule {
	return &models.Rule{
		ID:                r.ID,
		RuleID:            r.RuleID,
		RuleType:          r.RuleType,
		Name:              r.Name,
		Description:       r.Description,
		Severity:          r.Severity,
		Trigger:           r.TriggerLogic,
		TriggerCategories: r.TriggerCats,
		ResultingClass:    r.ResultingClass,
		Action:            r.Action,
		Remediation:       r.Remediation,
		SCGProgramID:      r.SCGProgramID,
		Active:            r.Active,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// SaveScanResults persists a scan's alerts and the document status in one
// transaction. Alerts are keyed by rule and source set so re-scanning an
// unchanged document updates scores in place instead of duplicating rows.
func (s *Store) SaveScanResults(ctx context.Context, documentID uuid.UUID, alerts []*models.Alert, status models.DocStatus, scannedAt time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, alert := range alerts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cag_alerts (
				id, document_id, rule_id, rule_name, severity, status,
				categories_triggered, source_elements, proximity_type,
				proximity_score, risk_score, resulting_classification,
				action, remediation, details, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (document_id, rule_id, md5(source_elements::text))
			WHERE status NOT IN ('resolved', 'false_positive')
			DO UPDATE SET
				proximity_score = EXCLUDED.proximity_score,
				risk_score = EXCLUDED.risk_score,
				details = EXCLUDED.details,
				updated_at = EXCLUDED.updated_at`,
			alert.ID, alert.DocumentID, alert.RuleID, alert.RuleName,
			alert.Severity, alert.Status, alert.CategoriesTriggered,
			alert.SourceElements, alert.ProximityType, alert.ProximityScore,
			alert.RiskScore, alert.ResultingClass, alert.Action,
			alert.Remediation, alert.Details, alert.CreatedAt, alert.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting alert for rule %s: %w", alert.RuleID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET cag_status = $1, cag_last_scan = $2, updated_at = $2
		WHERE id = $3`, status, scannedAt, documentID)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.GetContext(ctx, &alert, alertSelect+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying alert: %w", err)
	}
	return &alert, nil
}

const alertSelect = `
	SELECT id, document_id, rule_id, rule_name, severity, status,
	       categories_triggered, source_elements, proximity_type,
	       proximity_score, risk_score, resulting_classification, action,
	       COALESCE(remediation, '') AS remediation, details,
	       resolved_by, resolution_notes, resolved_at, created_at, updated_at
	FROM cag_alerts`

type ListAlertFilters struct {
	DocumentID *uuid.UUID
	Severity   *models.Severity
	Status     *models.AlertStatus
	Limit      int
	Offset     int
}

func (s *Store) ListAlerts(ctx context.Context, filters ListAlertFilters) ([]*models.Alert, int, error) {
	baseQuery := ` WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.DocumentID != nil {
		baseQuery += fmt.Sprintf(" AND document_id = $%d", argIdx)
		args = append(args, *filters.DocumentID)
		argIdx++
	}
	if filters.Severity != nil {
		baseQuery += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, *filters.Severity)
		argIdx++
	}
	if filters.Status != nil {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filters.Status)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM cag_alerts"+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("counting alerts: %w", err)
	}

	selectQuery := alertSelect + baseQuery + `
		ORDER BY CASE severity
			WHEN 'CRITICAL' THEN 4 WHEN 'HIGH' THEN 3
			WHEN 'MEDIUM' THEN 2 ELSE 1 END DESC, created_at DESC`
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var alerts []*models.Alert
	if err := s.db.SelectContext(ctx, &alerts, selectQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("querying alerts: %w", err)
	}
	return alerts, total, nil
}

func (s *Store) UnresolvedBlockingAlerts(ctx context.Context, documentID uuid.UUID) ([]*models.Alert, error) {
	var alerts []*models.Alert
	err := s.db.SelectContext(ctx, &alerts, alertSelect+`
		WHERE document_id = $1
		  AND status IN ('open', 'acknowledged', 'quarantined')
		  AND severity IN ('CRITICAL', 'HIGH')
		ORDER BY created_at DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying blocking alerts: %w", err)
	}
	return alerts, nil
}

// UpdateAlertStatus transitions an alert and, for terminal states, records
// who resolved it and why.
func (s *Store) UpdateAlertStatus(ctx context.Context, id uuid.UUID, status models.AlertStatus, resolvedBy, notes string) error {
	now := time.Now().UTC()
	query := `UPDATE cag_alerts SET status = $1, updated_at = $2`
	args := []interface{}{status, now}

	switch status {
	case models.AlertStatusResolved, models.AlertStatusOverridden, models.AlertStatusFalsePositive:
		query += `, resolved_by = $3, resolution_notes = $4, resolved_at = $5 WHERE id = $6`
		args = append(args, resolvedBy, notes, now, id)
	default:
		query += ` WHERE id = $3`
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating alert status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Username, user.Email, user.PasswordHash, user.Role,
		user.Active, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, `
		SELECT id, username, email, password_hash, role, is_active, last_login_at, created_at, updated_at
		FROM users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &user, nil
}

func (s *Store) UpdateUserLastLogin(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $1, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_trail (id, event_type, actor, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.EventType, event.Actor, event.Action,
		event.EntityType, event.EntityID, event.Details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func (s *Store) ScanEvents(ctx context.Context, entityID string, limit int) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, event_type, actor, action, entity_type, entity_id, details, created_at
		FROM audit_trail
		WHERE event_type LIKE 'cag.scan%'`
	args := make([]interface{}, 0, 2)
	argIdx := 1
	if entityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, entityID)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	var events []*models.AuditEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("querying scan events: %w", err)
	}
	return events, nil
}

type ListAuditFilters struct {
	EventType  string
	EntityType string
	EntityID   string
	Limit      int
	Offset     int
}

func (s *Store) ListAuditEvents(ctx context.Context, filters ListAuditFilters) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, event_type, actor, action, entity_type, entity_id, details, created_at
		FROM audit_trail WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filters.EventType)
		argIdx++
	}
	if filters.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filters.EntityType)
		argIdx++
	}
	if filters.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, filters.EntityID)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var events []*models.AuditEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	return events, nil
}

type DashboardCounts struct {
	TotalDocuments      int `db:"total_documents"`
	BlockedDocuments    int `db:"blocked_documents"`
	QuarantinedDocs     int `db:"quarantined_documents"`
	TotalAlerts         int `db:"total_alerts"`
	OpenAlerts          int `db:"open_alerts"`
	CriticalAlerts      int `db:"critical_alerts"`
	ActiveRules         int `db:"active_rules"`
	ExposuresRegistered int `db:"exposures_registered"`
}

func (s *Store) GetDashboardCounts(ctx context.Context) (*DashboardCounts, error) {
	counts := &DashboardCounts{}

	query := `
		SELECT
			(SELECT COUNT(*) FROM documents) AS total_documents,
			(SELECT COUNT(*) FROM documents WHERE cag_status = 'blocked') AS blocked_documents,
			(SELECT COUNT(*) FROM documents WHERE cag_status = 'quarantined') AS quarantined_documents,
			(SELECT COUNT(*) FROM cag_alerts) AS total_alerts,
			(SELECT COUNT(*) FROM cag_alerts WHERE status = 'open') AS open_alerts,
			(SELECT COUNT(*) FROM cag_alerts WHERE severity = 'CRITICAL' AND status IN ('open', 'acknowledged', 'quarantined')) AS critical_alerts,
			(SELECT COUNT(*) FROM cag_rules WHERE is_active = true) AS active_rules,
			(SELECT COUNT(*) FROM cag_exposure_register) AS exposures_registered
	`

	if err := s.db.GetContext(ctx, counts, query); err != nil {
		return nil, fmt.Errorf("getting dashboard counts: %w", err)
	}
	return counts, nil
}
