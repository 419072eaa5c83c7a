package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

// Category is one of the ten fixed sensitivity categories a tag can carry.
type Category string

const (
	CategoryPersonnel     Category = "PERSONNEL"
	CategoryCapability    Category = "CAPABILITY"
	CategoryLocation      Category = "LOCATION"
	CategoryTiming        Category = "TIMING"
	CategoryProgram       Category = "PROGRAM"
	CategoryVulnerability Category = "VULNERABILITY"
	CategoryMethod        Category = "METHOD"
	CategoryScale         Category = "SCALE"
	CategorySource        Category = "SOURCE"
	CategoryRelationship  Category = "RELATIONSHIP"
)

// AllCategories lists every valid category in declaration order.
var AllCategories = []Category{
	CategoryPersonnel,
	CategoryCapability,
	CategoryLocation,
	CategoryTiming,
	CategoryProgram,
	CategoryVulnerability,
	CategoryMethod,
	CategoryScale,
	CategorySource,
	CategoryRelationship,
}

func ValidCategory(c Category) bool {
	for _, v := range AllCategories {
		if c == v {
			return true
		}
	}
	return false
}

// ValidateCategories returns the subset of names that are not valid categories.
func ValidateCategories(names []string) []string {
	var bad []string
	for _, n := range names {
		if !ValidCategory(Category(n)) {
			bad = append(bad, n)
		}
	}
	return bad
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Weight maps severity to its contribution in risk scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.25
	}
	return 0
}

// Rank orders severities for sorting, CRITICAL highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func ValidSeverity(s Severity) bool {
	return s.Rank() > 0
}

// MaxSeverity returns the higher ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type RuleType string

const (
	RuleTypeUniversal RuleType = "universal"
	RuleTypeOrg       RuleType = "org"
	RuleTypeSCG       RuleType = "scg"
)

func ValidRuleType(t RuleType) bool {
	return t == RuleTypeUniversal || t == RuleTypeOrg || t == RuleTypeSCG
}

// Action is the response prescribed when a rule triggers.
type Action string

const (
	ActionAlert          Action = "alert"
	ActionReviewRequired Action = "review_required"
	ActionBlockAndAlert  Action = "block_and_alert"
	ActionQuarantine     Action = "quarantine"
)

func ValidAction(a Action) bool {
	switch a {
	case ActionAlert, ActionReviewRequired, ActionBlockAndAlert, ActionQuarantine:
		return true
	}
	return false
}

// Blocking reports whether alerts carrying this action stop an export.
func (a Action) Blocking() bool {
	return a == ActionBlockAndAlert || a == ActionQuarantine
}

type AlertStatus string

const (
	AlertStatusOpen          AlertStatus = "open"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusOverridden    AlertStatus = "overridden"
	AlertStatusQuarantined   AlertStatus = "quarantined"
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

func ValidAlertStatus(s AlertStatus) bool {
	switch s {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusResolved,
		AlertStatusOverridden, AlertStatusQuarantined, AlertStatusFalsePositive:
		return true
	}
	return false
}

// Unresolved reports whether the alert still demands attention.
func (s AlertStatus) Unresolved() bool {
	return s == AlertStatusOpen || s == AlertStatusAcknowledged || s == AlertStatusQuarantined
}

// DocStatus is the guard's advisory verdict on a document.
type DocStatus string

const (
	DocStatusPending     DocStatus = "pending"
	DocStatusClear       DocStatus = "clear"
	DocStatusAlert       DocStatus = "alert"
	DocStatusBlocked     DocStatus = "blocked"
	DocStatusQuarantined DocStatus = "quarantined"
)

// Priority orders statuses so a rescan can only escalate, never regress.
func (s DocStatus) Priority() int {
	switch s {
	case DocStatusQuarantined:
		return 4
	case DocStatusBlocked:
		return 3
	case DocStatusAlert:
		return 2
	case DocStatusClear:
		return 1
	}
	return 0
}

// StatusForAction maps a triggered rule's action to the document status it implies.
func StatusForAction(a Action) DocStatus {
	switch a {
	case ActionQuarantine:
		return DocStatusQuarantined
	case ActionBlockAndAlert:
		return DocStatusBlocked
	case ActionReviewRequired, ActionAlert:
		return DocStatusAlert
	}
	return DocStatusClear
}

// MaxDocStatus returns the higher priority of a and b.
func MaxDocStatus(a, b DocStatus) DocStatus {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}

type IndicatorType string

const (
	IndicatorStrong   IndicatorType = "strong"
	IndicatorModerate IndicatorType = "moderate"
	IndicatorManual   IndicatorType = "manual"
)

// classificationLadder orders classification levels lowest to highest.
var classificationLadder = []string{
	"UNCLASSIFIED",
	"CONFIDENTIAL",
	"SECRET",
	"SECRET // SI",
	"SECRET // NOFORN",
	"TOP SECRET",
}

// ClassificationRank returns the ladder position of level, or -1 when unknown.
func ClassificationRank(level string) int {
	for i, l := range classificationLadder {
		if l == level {
			return i
		}
	}
	return -1
}

// MaxClassification returns the higher of two classification levels. Unknown
// levels rank below the ladder.
func MaxClassification(a, b string) string {
	if ClassificationRank(b) > ClassificationRank(a) {
		return b
	}
	return a
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Tag is a sensitivity annotation on a span of document text. Tags are
// produced by an upstream tagging process and are read-only here.
type Tag struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	SourceType     string        `json:"source_type" db:"source_type"`
	SourceID       uuid.UUID     `json:"source_id" db:"source_id"`
	Category       Category      `json:"category" db:"category"`
	Confidence     float64       `json:"confidence" db:"confidence"`
	IndicatorText  string        `json:"indicator_text" db:"indicator_text"`
	IndicatorType  IndicatorType `json:"indicator_type" db:"indicator_type"`
	PositionStart  int           `json:"position_start" db:"position_start"`
	PositionEnd    int           `json:"position_end" db:"position_end"`
	ParagraphIndex int           `json:"paragraph_index" db:"paragraph_index"`
	SectionContext string        `json:"section_context,omitempty" db:"section_context"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// Rule describes a prohibited category combination and the response it demands.
type Rule struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	RuleID            string      `json:"rule_id" db:"rule_id"`
	RuleType          RuleType    `json:"rule_type" db:"rule_type"`
	Name              string      `json:"name" db:"name"`
	Description       string      `json:"description,omitempty" db:"description"`
	Severity          Severity    `json:"severity" db:"severity"`
	Trigger           Trigger     `json:"trigger" db:"trigger"`
	TriggerCategories StringArray `json:"trigger_categories" db:"trigger_categories"`
	ResultingClass    string      `json:"resulting_classification" db:"resulting_classification"`
	Action            Action      `json:"action" db:"action"`
	Remediation       string      `json:"remediation,omitempty" db:"remediation"`
	SCGProgramID      string      `json:"scg_program_id,omitempty" db:"scg_program_id"`
	Active            bool        `json:"active" db:"active"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// Alert is a persisted aggregation finding against a document.
type Alert struct {
	ID                  uuid.UUID   `json:"id" db:"id"`
	DocumentID          uuid.UUID   `json:"document_id" db:"document_id"`
	RuleID              string      `json:"rule_id" db:"rule_id"`
	RuleName            string      `json:"rule_name" db:"rule_name"`
	Severity            Severity    `json:"severity" db:"severity"`
	Status              AlertStatus `json:"status" db:"status"`
	CategoriesTriggered StringArray `json:"categories_triggered" db:"categories_triggered"`
	SourceElements      StringArray `json:"source_elements" db:"source_elements"`
	ProximityType       string      `json:"proximity_type" db:"proximity_type"`
	ProximityScore      float64     `json:"proximity_score" db:"proximity_score"`
	RiskScore           float64     `json:"risk_score" db:"risk_score"`
	ResultingClass      string      `json:"resulting_classification" db:"resulting_classification"`
	Action              Action      `json:"action" db:"action"`
	Remediation         string      `json:"remediation,omitempty" db:"remediation"`
	Details             JSONB       `json:"details,omitempty" db:"details"`
	ResolvedBy          string      `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionNotes     string      `json:"resolution_notes,omitempty" db:"resolution_notes"`
	ResolvedAt          *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at"`
}

// ExposureRecord is one append-only entry in the exposure ledger. The
// cumulative fields are a snapshot taken at write time and never recomputed.
type ExposureRecord struct {
	ID                   uuid.UUID   `json:"id" db:"id"`
	CapabilityGroup      string      `json:"capability_group" db:"capability_group"`
	DocumentID           uuid.UUID   `json:"document_id" db:"document_id"`
	CategoriesExposed    StringArray `json:"categories_exposed" db:"categories_exposed"`
	Audience             string      `json:"audience" db:"audience"`
	ExposureDate         time.Time   `json:"exposure_date" db:"exposure_date"`
	ClassAtExposure      string      `json:"classification_at_exposure" db:"classification_at_exposure"`
	CumulativeCategories StringArray `json:"cumulative_categories" db:"cumulative_categories"`
	CumulativeClass      string      `json:"cumulative_classification" db:"cumulative_classification"`
	AlertGenerated       bool        `json:"alert_generated" db:"alert_generated"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
}

// Document is the unit the guard scores. Content and tagging live upstream;
// the guard owns only the advisory status fields.
type Document struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Status      DocStatus  `json:"cag_status" db:"cag_status"`
	LastScanAt  *time.Time `json:"cag_last_scan,omitempty" db:"cag_last_scan"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type Section struct {
	ID         uuid.UUID `json:"id" db:"id"`
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	Volume     int       `json:"volume" db:"volume"`
	Number     string    `json:"number" db:"number"`
	Title      string    `json:"title" db:"title"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// AuditEvent is an append-only record of a guard operation.
type AuditEvent struct {
	ID         uuid.UUID `json:"id" db:"id"`
	EventType  string    `json:"event_type" db:"event_type"`
	Actor      string    `json:"actor" db:"actor"`
	Action     string    `json:"action" db:"action"`
	EntityType string    `json:"entity_type,omitempty" db:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty" db:"entity_id"`
	Details    JSONB     `json:"details,omitempty" db:"details"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// User is an operator account for the HTTP API.
type User struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         string     `json:"role" db:"role"`
	Active       bool       `json:"active" db:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}
