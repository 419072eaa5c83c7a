package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/govsentry/cag/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyNewAlert      NotificationType = "new_alert"
	NotifyCriticalAlert NotificationType = "critical_alert"
	NotifyQuarantine    NotificationType = "document_quarantined"
	NotifyExportBlocked NotificationType = "export_blocked"
	NotifyCrossDocument NotificationType = "cross_document_alert"
	NotifyScanComplete  NotificationType = "scan_complete"
	NotifyDailyDigest   NotificationType = "daily_digest"
)

// Channel defines notification channels
type Channel string

const (
	ChannelSlack Channel = "slack"
	ChannelEmail Channel = "email"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity // Minimum severity to notify
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity models.Severity
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// UpdateConfig replaces the channel configuration for future sends.
func (s *Service) UpdateConfig(config Config) {
	s.config = config
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && s.shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && s.shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}

	return nil
}

// shouldNotify checks if notification should be sent based on severity
func (s *Service) shouldNotify(actual, minimum models.Severity) bool {
	return actual.Rank() >= minimum.Rank()
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	color := s.severityToColor(notif.Severity)

	fields := []SlackField{}
	if notif.Data != nil {
		if documentID, ok := notif.Data["document_id"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Document",
				Value: documentID,
				Short: true,
			})
		}
		if ruleID, ok := notif.Data["rule_id"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Rule",
				Value: ruleID,
				Short: true,
			})
		}
		if class, ok := notif.Data["resulting_classification"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Classification",
				Value: class,
				Short: true,
			})
		}
		if severity, ok := notif.Data["severity"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Severity",
				Value: severity,
				Short: true,
			})
		}
		if count, ok := notif.Data["alert_count"].(int); ok {
			fields = append(fields, SlackField{
				Title: "Alerts",
				Value: fmt.Sprintf("%d", count),
				Short: true,
			})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Aggregation Guard",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

// severityToColor converts severity to Slack color
func (s *Service) severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000" // Red
	case models.SeverityHigh:
		return "#FFA500" // Orange
	case models.SeverityMedium:
		return "#FFFF00" // Yellow
	default:
		return "#36A64F" // Green
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[CAG Alert] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	err = smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg))
	if err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .severity { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.SeverityColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Severity: <span class="severity">{{.Severity}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated alert from the classification aggregation guard.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3" // Default blue
	severityColor := s.severityToColor(notif.Severity)

	switch notif.Severity {
	case models.SeverityCritical:
		headerColor = "#F44336"
	case models.SeverityHigh:
		headerColor = "#FF9800"
	case models.SeverityMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":         notif.Title,
		"Message":       notif.Message,
		"Severity":      string(notif.Severity),
		"HeaderColor":   headerColor,
		"SeverityColor": severityColor,
		"Data":          notif.Data,
		"HasData":       len(notif.Data) > 0,
		"Timestamp":     notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// AlertRaised sends a notification for a newly raised aggregation alert
func (s *Service) AlertRaised(ctx context.Context, alert *models.Alert, doc *models.Document) error {
	notifType := NotifyNewAlert
	title := fmt.Sprintf("New %s Aggregation Alert", alert.Severity)
	if alert.Severity == models.SeverityCritical {
		notifType = NotifyCriticalAlert
		title = "CRITICAL Aggregation Alert"
	}

	notif := &Notification{
		Type:     notifType,
		Title:    title,
		Message:  fmt.Sprintf("%s in %q (%s scope)", alert.RuleName, doc.Title, alert.ProximityType),
		Severity: alert.Severity,
		Data: map[string]interface{}{
			"document_id":              alert.DocumentID.String(),
			"document_title":           doc.Title,
			"rule_id":                  alert.RuleID,
			"severity":                 string(alert.Severity),
			"resulting_classification": alert.ResultingClass,
			"categories":               strings.Join(alert.CategoriesTriggered, ", "),
			"remediation":              alert.Remediation,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// DocumentQuarantined sends an immediate notification when a scan quarantines a document
func (s *Service) DocumentQuarantined(ctx context.Context, doc *models.Document, alertCount int) error {
	notif := &Notification{
		Type:     NotifyQuarantine,
		Title:    "Document Quarantined",
		Message:  fmt.Sprintf("%q was quarantined after an aggregation scan", doc.Title),
		Severity: models.SeverityCritical,
		Data: map[string]interface{}{
			"document_id": doc.ID.String(),
			"alert_count": alertCount,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// ExportBlocked sends a notification when an export check fails
func (s *Service) ExportBlocked(ctx context.Context, doc *models.Document, blocking int) error {
	notif := &Notification{
		Type:     NotifyExportBlocked,
		Title:    "Export Blocked",
		Message:  fmt.Sprintf("Export of %q blocked by %d unresolved alert(s)", doc.Title, blocking),
		Severity: models.SeverityHigh,
		Data: map[string]interface{}{
			"document_id": doc.ID.String(),
			"alert_count": blocking,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// CrossDocumentAlert sends a notification for a cumulative exposure alert
func (s *Service) CrossDocumentAlert(ctx context.Context, capabilityGroup string, alert *models.Alert) error {
	notif := &Notification{
		Type:     NotifyCrossDocument,
		Title:    "Cross-Document Aggregation Alert",
		Message:  fmt.Sprintf("Cumulative exposure in capability group %q tripped rule %s", capabilityGroup, alert.RuleID),
		Severity: alert.Severity,
		Data: map[string]interface{}{
			"capability_group":         capabilityGroup,
			"rule_id":                  alert.RuleID,
			"severity":                 string(alert.Severity),
			"resulting_classification": alert.ResultingClass,
			"categories":               strings.Join(alert.CategoriesTriggered, ", "),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// ScanStats holds scan statistics
type ScanStats struct {
	SectionsScanned int
	TotalAlerts     int
	CriticalAlerts  int
	HighAlerts      int
	MediumAlerts    int
	LowAlerts       int
	Duration        time.Duration
}

// statsToSeverity determines notification severity from scan stats
func (s *Service) statsToSeverity(stats ScanStats) models.Severity {
	if stats.CriticalAlerts > 0 {
		return models.SeverityCritical
	}
	if stats.HighAlerts > 0 {
		return models.SeverityHigh
	}
	if stats.MediumAlerts > 0 {
		return models.SeverityMedium
	}
	return models.SeverityLow
}

// ScanComplete sends a notification when a document scan completes
func (s *Service) ScanComplete(ctx context.Context, doc *models.Document, stats ScanStats) error {
	notif := &Notification{
		Type:     NotifyScanComplete,
		Title:    "Aggregation Scan Completed",
		Message:  fmt.Sprintf("Scan completed for %q", doc.Title),
		Severity: s.statsToSeverity(stats),
		Data: map[string]interface{}{
			"document_id":      doc.ID.String(),
			"sections_scanned": stats.SectionsScanned,
			"alert_count":      stats.TotalAlerts,
			"alerts_critical":  stats.CriticalAlerts,
			"alerts_high":      stats.HighAlerts,
			"duration":         stats.Duration.String(),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// DigestStats holds daily digest statistics
type DigestStats struct {
	Period            string
	NewAlerts         int
	ResolvedAlerts    int
	CriticalAlerts    int
	HighAlerts        int
	DocumentsScanned  int
	ExposuresRecorded int
	TopCategories     map[string]int
}

// DailyDigest sends a daily digest notification
func (s *Service) DailyDigest(ctx context.Context, stats DigestStats) error {
	notif := &Notification{
		Type:     NotifyDailyDigest,
		Title:    "Daily Aggregation Digest",
		Message:  fmt.Sprintf("Summary: %d new alerts, %d resolved", stats.NewAlerts, stats.ResolvedAlerts),
		Severity: s.digestToSeverity(stats),
		Data: map[string]interface{}{
			"period":             stats.Period,
			"new_alerts":         stats.NewAlerts,
			"resolved_alerts":    stats.ResolvedAlerts,
			"critical_alerts":    stats.CriticalAlerts,
			"high_alerts":        stats.HighAlerts,
			"documents_scanned":  stats.DocumentsScanned,
			"exposures_recorded": stats.ExposuresRecorded,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// digestToSeverity determines notification severity from digest stats
func (s *Service) digestToSeverity(stats DigestStats) models.Severity {
	if stats.CriticalAlerts > 0 {
		return models.SeverityCritical
	}
	if stats.HighAlerts > 5 {
		return models.SeverityHigh
	}
	if stats.NewAlerts > 10 {
		return models.SeverityMedium
	}
	return models.SeverityLow
}
