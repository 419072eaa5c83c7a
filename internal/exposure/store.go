package exposure

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/govsentry/cag/internal/models"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type entryRow struct {
	ID                   uuid.UUID          `db:"id"`
	CapabilityGroup      string             `db:"capability_group"`
	DocumentID           uuid.UUID          `db:"document_id"`
	DocumentTitle        string             `db:"document_title"`
	CategoriesExposed    models.StringArray `db:"categories_exposed"`
	Audience             sql.NullString     `db:"audience"`
	ExposureDate         time.Time          `db:"exposure_date"`
	ClassAtExposure      string             `db:"classification_at_exposure"`
	CumulativeCategories models.StringArray `db:"cumulative_categories"`
	CumulativeClass      string             `db:"cumulative_classification"`
	AlertGenerated       bool               `db:"alert_generated"`
	CreatedAt            time.Time          `db:"created_at"`
}

func (r entryRow) toEntry() *Entry {
	return &Entry{
		ExposureRecord: models.ExposureRecord{
			ID:                   r.ID,
			CapabilityGroup:      r.CapabilityGroup,
			DocumentID:           r.DocumentID,
			CategoriesExposed:    r.CategoriesExposed,
			Audience:             r.Audience.String,
			ExposureDate:         r.ExposureDate,
			ClassAtExposure:      r.ClassAtExposure,
			CumulativeCategories: r.CumulativeCategories,
			CumulativeClass:      r.CumulativeClass,
			AlertGenerated:       r.AlertGenerated,
			CreatedAt:            r.CreatedAt,
		},
		DocumentTitle: r.DocumentTitle,
	}
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
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

func (s *PostgresStore) ExposuresSince(ctx context.Context, capabilityGroup string, since time.Time) ([]*Entry, error) {
	query := `
		SELECT e.id, e.capability_group, e.document_id,
		       COALESCE(d.title, '') AS document_title,
		       e.categories_exposed, e.audience, e.exposure_date,
		       e.classification_at_exposure, e.cumulative_categories,
		       e.cumulative_classification, e.alert_generated, e.created_at
		FROM cag_exposure_register e
		LEFT JOIN documents d ON d.id = e.document_id
		WHERE e.exposure_date >= $1`
	args := []interface{}{since}
	if capabilityGroup != "" {
		query += ` AND e.capability_group = $2`
		args = append(args, capabilityGroup)
	}
	query += ` ORDER BY e.exposure_date DESC`

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying exposure register: %w", err)
	}
	entries := make([]*Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

// InsertExposure writes the ledger record and, when the cumulative set
// generated an alert, the alert in the same transaction. Re-registering the
// same cumulative state does not duplicate the alert.
func (s *PostgresStore) InsertExposure(ctx context.Context, record *models.ExposureRecord, alert *models.Alert) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var audience interface{}
	if record.Audience != "" {
		audience = record.Audience
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cag_exposure_register (
			id, capability_group, document_id, categories_exposed, audience,
			exposure_date, classification_at_exposure, cumulative_categories,
			cumulative_classification, alert_generated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID, record.CapabilityGroup, record.DocumentID,
		record.CategoriesExposed, audience, record.ExposureDate,
		record.ClassAtExposure, record.CumulativeCategories,
		record.CumulativeClass, record.AlertGenerated, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting exposure record: %w", err)
	}

	if alert != nil {
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
				categories_triggered = EXCLUDED.categories_triggered,
				risk_score = EXCLUDED.risk_score,
				resulting_classification = EXCLUDED.resulting_classification,
				remediation = EXCLUDED.remediation,
				updated_at = EXCLUDED.updated_at`,
			alert.ID, alert.DocumentID, alert.RuleID, alert.RuleName,
			alert.Severity, alert.Status, alert.CategoriesTriggered,
			alert.SourceElements, alert.ProximityType, alert.ProximityScore,
			alert.RiskScore, alert.ResultingClass, alert.Action,
			alert.Remediation, alert.Details, alert.CreatedAt, alert.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting cross-document alert: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) DocumentGroups(ctx context.Context, documentID uuid.UUID) ([]string, error) {
	var groups []string
	err := s.db.SelectContext(ctx, &groups, `
		SELECT DISTINCT capability_group FROM cag_exposure_register
		WHERE document_id = $1 ORDER BY capability_group`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying document groups: %w", err)
	}
	return groups, nil
}

func (s *PostgresStore) AllGroups(ctx context.Context) ([]string, error) {
	var groups []string
	err := s.db.SelectContext(ctx, &groups, `
		SELECT DISTINCT capability_group FROM cag_exposure_register
		ORDER BY capability_group`)
	if err != nil {
		return nil, fmt.Errorf("querying capability groups: %w", err)
	}
	return groups, nil
}

func (s *PostgresStore) DocumentCategories(ctx context.Context, documentID uuid.UUID) ([]models.Category, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, `
		SELECT DISTINCT t.category
		FROM cag_data_tags t
		JOIN document_sections s ON s.id = t.source_id
		WHERE t.source_type = 'document_section' AND s.document_id = $1
		ORDER BY t.category`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying document categories: %w", err)
	}
	cats := make([]models.Category, len(names))
	for i, n := range names {
		cats[i] = models.Category(n)
	}
	return cats, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, event *models.AuditEvent) error {
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
