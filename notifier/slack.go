package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vuln-lifecycle-tracker/models"
	"vuln-lifecycle-tracker/pipeline"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// SlackNotifier posts import outcomes to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	username   string
	channel    string
	iconEmoji  string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSlackNotifier creates a new Slack notifier instance
func NewSlackNotifier(webhookURL, username, channel, iconEmoji string, logger *zap.Logger) *SlackNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		username:   username,
		channel:    channel,
		iconEmoji:  iconEmoji,
		maxRetries: 3,
		retryDelay: time.Second * 2,
		httpClient: &http.Client{
			Timeout: time.Second * 30,
		},
		logger: logger,
	}
}

// SlackMessage represents a Slack message structure
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
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

var _ pipeline.Notifier = (*SlackNotifier)(nil)

// NotifyProgress is ignored; Slack only hears about finished imports
func (sn *SlackNotifier) NotifyProgress(string, int, string, map[string]any) {}

// NotifyComplete posts the final import statistics
func (sn *SlackNotifier) NotifyComplete(sessionID string, message string, stats *pipeline.ImportStats) {
	if err := sn.sendMessage(sn.buildCompletionMessage(sessionID, message, stats)); err != nil {
		sn.logger.Warn("failed to send import completion to Slack", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// NotifyError posts a failed import
func (sn *SlackNotifier) NotifyError(sessionID string, message string, detail error) {
	if err := sn.sendMessage(sn.buildErrorMessage(sessionID, message, detail)); err != nil {
		sn.logger.Warn("failed to send import failure to Slack", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// SendChangeSummary posts the day-over-day change report of a scan date
func (sn *SlackNotifier) SendChangeSummary(summary *models.ChangeSummary, maxShown int) error {
	return sn.sendMessage(sn.buildChangeSummaryMessage(summary, maxShown))
}

func (sn *SlackNotifier) buildCompletionMessage(sessionID, message string, stats *pipeline.ImportStats) *SlackMessage {
	attachment := SlackAttachment{
		Color:     "good",
		Title:     fmt.Sprintf("Import %s", sessionID),
		Text:      message,
		Footer:    "Vulnerability Lifecycle Tracker",
		Timestamp: time.Now().Unix(),
	}

	if stats != nil {
		attachment.Fields = append(attachment.Fields,
			SlackField{Title: "Scan Date", Value: stats.ScanDate, Short: true},
			SlackField{Title: "Processed", Value: fmt.Sprintf("%d", stats.TotalProcessed), Short: true},
			SlackField{Title: "New / Updated", Value: fmt.Sprintf("%d / %d", stats.Inserted, stats.Updated), Short: true},
			SlackField{Title: "Resolved / Reopened", Value: fmt.Sprintf("%d / %d", stats.Resolved, stats.Reopened), Short: true},
		)
		if stats.Errors > 0 {
			attachment.Color = "warning"
			attachment.Fields = append(attachment.Fields, SlackField{
				Title: "Record Errors",
				Value: fmt.Sprintf("%d", stats.Errors),
				Short: true,
			})
		}
	}

	return &SlackMessage{
		Text:        "✅ *Scan import complete*",
		Username:    sn.username,
		Channel:     sn.channel,
		IconEmoji:   sn.iconEmoji,
		Attachments: []SlackAttachment{attachment},
	}
}

func (sn *SlackNotifier) buildErrorMessage(sessionID, message string, detail error) *SlackMessage {
	attachment := SlackAttachment{
		Color:     "danger",
		Title:     fmt.Sprintf("Import %s", sessionID),
		Text:      message,
		Footer:    "Vulnerability Lifecycle Tracker",
		Timestamp: time.Now().Unix(),
	}
	if detail != nil {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Error",
			Value: detail.Error(),
			Short: false,
		})
	}

	return &SlackMessage{
		Text:        "❌ *Scan import failed*",
		Username:    sn.username,
		Channel:     sn.channel,
		IconEmoji:   sn.iconEmoji,
		Attachments: []SlackAttachment{attachment},
	}
}

func (sn *SlackNotifier) buildChangeSummaryMessage(summary *models.ChangeSummary, maxShown int) *SlackMessage {
	title := fmt.Sprintf("Scan %s", summary.ScanDate)
	if summary.PreviousScanDate != "" {
		title += fmt.Sprintf(" vs %s", summary.PreviousScanDate)
	}

	color := "good"
	for _, d := range summary.Severities {
		if d.Severity == models.SeverityCritical && d.CountDelta > 0 {
			color = "danger"
		}
	}

	var lines []string
	for _, d := range summary.Severities {
		lines = append(lines, fmt.Sprintf("%s %s: %d (%+d)", getSeverityEmoji(string(d.Severity)), d.Severity, d.Current, d.CountDelta))
	}

	attachment := SlackAttachment{
		Color:     color,
		Title:     title,
		Footer:    "Vulnerability Lifecycle Tracker",
		Timestamp: time.Now().Unix(),
		Fields: []SlackField{
			{Title: "Severity Breakdown", Value: strings.Join(lines, "\n"), Short: false},
		},
	}

	if list := formatCVEList(summary.NewCVEs, maxShown); list != "" {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: fmt.Sprintf("New CVEs (%d)", len(summary.NewCVEs)),
			Value: list,
		})
	}
	if list := formatCVEList(summary.ResolvedCVEs, maxShown); list != "" {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: fmt.Sprintf("Resolved CVEs (%d)", len(summary.ResolvedCVEs)),
			Value: list,
		})
	}

	return &SlackMessage{
		Text:        "📊 *Daily vulnerability changes*",
		Username:    sn.username,
		Channel:     sn.channel,
		IconEmoji:   sn.iconEmoji,
		Attachments: []SlackAttachment{attachment},
	}
}

// formatCVEList formats at most maxShown CVE changes for display
func formatCVEList(changes []models.CVEChange, maxShown int) string {
	if len(changes) == 0 {
		return ""
	}

	var lines []string
	for i, c := range changes {
		if i >= maxShown {
			lines = append(lines, fmt.Sprintf("... and %d more", len(changes)-i))
			break
		}
		lines = append(lines, fmt.Sprintf("%s *%s* (%s) - %d hosts, VPR %.1f",
			getSeverityEmoji(string(c.Severity)), c.CVE, c.Severity, c.HostCount, c.TotalVPR))
	}
	return strings.Join(lines, "\n")
}

// sendMessage sends a message to Slack with retry logic
func (sn *SlackNotifier) sendMessage(message *SlackMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	attempts := 0
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(sn.retryDelay), uint64(sn.maxRetries))
	err = backoff.Retry(func() error {
		attempts++
		resp, err := sn.httpClient.Post(sn.webhookURL, "application/json", bytes.NewBuffer(payload))
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}

		statusErr := fmt.Errorf("slack API returned status %d", resp.StatusCode)
		// Don't retry for client errors
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}, policy)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification after %d attempts: %w", attempts, err)
	}
	return nil
}

// ValidateConfiguration validates the Slack notifier configuration
func (sn *SlackNotifier) ValidateConfiguration() error {
	if sn.webhookURL == "" {
		return fmt.Errorf("Slack webhook URL is required")
	}

	if !strings.HasPrefix(sn.webhookURL, "https://hooks.slack.com/") {
		return fmt.Errorf("invalid Slack webhook URL format")
	}

	return nil
}

// TestConnection tests the Slack connection by sending a test message
func (sn *SlackNotifier) TestConnection() error {
	if err := sn.ValidateConfiguration(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	return sn.sendMessage(&SlackMessage{
		Text:      "🧪 Vulnerability Lifecycle Tracker test message",
		Username:  sn.username,
		Channel:   sn.channel,
		IconEmoji: sn.iconEmoji,
	})
}

func getSeverityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "🔴"
	case "high":
		return "🟠"
	case "medium":
		return "🟡"
	case "low":
		return "🟢"
	default:
		return "⚪"
	}
}
