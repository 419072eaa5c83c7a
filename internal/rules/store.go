package rules

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/govsentry/cag/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type ruleRow struct {
	ID             uuid.UUID      `db:"id"`
	RuleID         string         `db:"rule_id"`
	RuleType       string         `db:"rule_type"`
	Name           string         `db:"name"`
	Description    string         `db:"description"`
	Severity       string         `db:"severity"`
	Trigger        models.Trigger `db:"trigger_logic"`
	TriggerCats    pq.StringArray `db:"trigger_categories"`
	ResultingClass string         `db:"resulting_classification"`
	Action         string         `db:"action"`
	Remediation    string         `db:"remediation"`
	SCGProgramID   string         `db:"scg_program_id"`
	Active         bool           `db:"is_active"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *ruleRow) toRule() *models.Rule {
	return &models.Rule{
		ID:                r.ID,
		RuleID:            r.RuleID,
		RuleType:          models.RuleType(r.RuleType),
		Name:              r.Name,
		Description:       r.Description,
		Severity:          models.Severity(r.Severity),
		Trigger:           r.Trigger,
		TriggerCategories: models.StringArray(r.TriggerCats),
		ResultingClass:    r.ResultingClass,
		Action:            models.Action(r.Action),
		Remediation:       r.Remediation,
		SCGProgramID:      r.SCGProgramID,
		Active:            r.Active,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

const ruleColumns = `id, rule_id, rule_type, name, description, severity, trigger_logic,
	trigger_categories, resulting_classification, action, remediation,
	COALESCE(scg_program_id, '') AS scg_program_id, is_active, created_at, updated_at`

func (s *PostgresStore) ActiveRules(ctx context.Context, ruleType models.RuleType) ([]*models.Rule, error) {
	var rows []ruleRow
	var err error

	if ruleType != "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+ruleColumns+`
			FROM cag_rules WHERE is_active = true AND rule_type = $1
			ORDER BY rule_type, rule_id
		`, string(ruleType))
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+ruleColumns+`
			FROM cag_rules WHERE is_active = true
			ORDER BY rule_type, rule_id
		`)
	}

	if err != nil {
		return nil, err
	}

	rules := make([]*models.Rule, len(rows))
	for i := range rows {
		rules[i] = rows[i].toRule()
	}
	return rules, nil
}

// ReplaceUniversalRules deactivates every universal rule then upserts the
// given set as active, in one transaction. Rules reusing a rule_id keep
// their row so foreign references stay valid.
func (s *PostgresStore) ReplaceUniversalRules(ctx context.Context, rules []*models.Rule) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE cag_rules SET is_active = false, updated_at = $1
		WHERE rule_type = 'universal'
	`, now); err != nil {
		return 0, err
	}

	for _, rule := range rules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cag_rules (id, rule_id, rule_type, name, description, severity,
				trigger_logic, trigger_categories, resulting_classification, action,
				remediation, is_active, created_at, updated_at)
			VALUES ($1, $2, 'universal', $3, $4, $5, $6, $7, $8, $9, $10, true, $11, $11)
			ON CONFLICT (rule_id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				severity = EXCLUDED.severity,
				trigger_logic = EXCLUDED.trigger_logic,
				trigger_categories = EXCLUDED.trigger_categories,
				resulting_classification = EXCLUDED.resulting_classification,
				action = EXCLUDED.action,
				remediation = EXCLUDED.remediation,
				is_active = true,
				updated_at = EXCLUDED.updated_at
		`, rule.ID, rule.RuleID, rule.Name, rule.Description, string(rule.Severity),
			rule.Trigger, pq.StringArray(rule.TriggerCategories), rule.ResultingClass,
			string(rule.Action), rule.Remediation, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rules), nil
}

func (s *PostgresStore) InsertRule(ctx context.Context, rule *models.Rule) error {
	var scgID interface{}
	if rule.SCGProgramID != "" {
		scgID = rule.SCGProgramID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cag_rules (id, rule_id, rule_type, name, description, severity,
			trigger_logic, trigger_categories, resulting_classification, action,
			remediation, scg_program_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rule.ID, rule.RuleID, string(rule.RuleType), rule.Name, rule.Description,
		string(rule.Severity), rule.Trigger, pq.StringArray(rule.TriggerCategories),
		rule.ResultingClass, string(rule.Action), rule.Remediation, scgID,
		rule.Active, rule.CreatedAt, rule.UpdatedAt)
	return err
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, event.EventType, event.Actor, event.Action,
		event.EntityType, event.EntityID, event.Details, event.CreatedAt)
	return err
}
