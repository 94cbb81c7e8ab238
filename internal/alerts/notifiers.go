// Package alerts routes detection alerts to notification channels by
// severity. Channels fire in parallel and fail independently; a dead
// chat webhook never blocks email.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/detect"
)

// Notifier delivers one alert over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert detect.Alert) error
}

// renderBody is the shared plain-text template for channels without
// native formatting.
func renderBody(alert detect.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(alert.Severity), alert.Title)
	if alert.Description != "" {
		fmt.Fprintf(&b, "%s\n", alert.Description)
	}
	fmt.Fprintf(&b, "Rule: %s (%s)\n", alert.RuleName, alert.RuleID)
	fmt.Fprintf(&b, "Time: %s\n", alert.Timestamp.Format(time.RFC3339))
	if alert.SourceEvent != nil {
		fmt.Fprintf(&b, "Source: %s / %s\n", alert.SourceEvent.Source, alert.SourceEvent.EventType)
	}
	if len(alert.MatchedFields) > 0 {
		raw, err := json.MarshalIndent(alert.MatchedFields, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "Matched:\n%s\n", raw)
		}
	}
	return b.String()
}

// EmailNotifier sends through the configured SMTP relay.
type EmailNotifier struct {
	cfg config.NotificationSettings
}

func NewEmailNotifier(cfg config.NotificationSettings) *EmailNotifier {
	return &EmailNotifier{cfg: cfg}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Notify(_ context.Context, alert detect.Alert) error {
	if n.cfg.SMTPHost == "" || n.cfg.EmailTo == "" {
		return fmt.Errorf("email channel not configured")
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	to := strings.Split(n.cfg.EmailTo, ",")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s",
		n.cfg.EmailFrom, n.cfg.EmailTo,
		strings.ToUpper(alert.Severity), alert.Title,
		renderBody(alert))

	if err := smtp.SendMail(addr, auth, n.cfg.EmailFrom, to, []byte(msg)); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}

// SlackNotifier posts to an incoming webhook with a severity-colored
// attachment.
type SlackNotifier struct {
	webhookURL string
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

func (n *SlackNotifier) Name() string { return "slack" }

var slackColors = map[string]string{
	"critical": "#e01e5a",
	"high":     "#e8912d",
	"medium":   "#ecb22e",
	"low":      "#2eb67d",
}

func (n *SlackNotifier) Notify(ctx context.Context, alert detect.Alert) error {
	if n.webhookURL == "" {
		return fmt.Errorf("slack channel not configured")
	}
	color, ok := slackColors[strings.ToLower(alert.Severity)]
	if !ok {
		color = "#808080"
	}
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color: color,
			Title: fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), alert.Title),
			Text:  renderBody(alert),
			Ts:    json.Number(fmt.Sprintf("%d", alert.Timestamp.Unix())),
		}},
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	return nil
}

// TelegramNotifier sends through the bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

func (n *TelegramNotifier) Notify(ctx context.Context, alert detect.Alert) error {
	if n.botToken == "" || n.chatID == "" {
		return fmt.Errorf("telegram channel not configured")
	}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	form := url.Values{
		"chat_id": {n.chatID},
		"text":    {renderBody(alert)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookNotifier POSTs the alert as JSON to a generic endpoint.
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, alert detect.Alert) error {
	if n.endpoint == "" {
		return fmt.Errorf("webhook channel not configured")
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("serialize alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
