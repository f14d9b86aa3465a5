package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"feedmesh/config"
	"feedmesh/logger"
)

// Channel is an external notification sink. The manager's obligation is only
// to attempt delivery and report the outcome, never to guarantee it.
type Channel interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// LogChannel writes alert transitions to the structured log.
type LogChannel struct {
	name string
	log  *logger.Log
}

func NewLogChannel(name string) *LogChannel {
	return &LogChannel{name: name, log: logger.GetLogger()}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Notify(_ context.Context, a Alert) error {
	entry := c.log.WithComponent("alerts").WithFields(logger.Fields{
		"alert_id": a.ID,
		"rule":     a.RuleID,
		"subject":  a.Subject,
		"severity": string(a.Severity),
		"state":    string(a.State),
	})
	switch a.Severity {
	case SeverityCritical:
		entry.Error(a.Message)
	case SeverityWarning:
		entry.Warn(a.Message)
	default:
		entry.Info(a.Message)
	}
	return nil
}

// ConsoleChannel prints alert transitions to stdout for interactive runs.
type ConsoleChannel struct {
	name string
}

func NewConsoleChannel(name string) *ConsoleChannel {
	return &ConsoleChannel{name: name}
}

func (c *ConsoleChannel) Name() string { return c.name }

func (c *ConsoleChannel) Notify(_ context.Context, a Alert) error {
	_, err := fmt.Printf("[%s] %s %s: %s (subject=%s)\n",
		a.Severity, a.State, a.Title, a.Message, a.Subject)
	return err
}

// WebhookChannel posts the full alert as JSON to a configured URL.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return c.post(ctx, body)
}

func (c *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", c.url, resp.StatusCode)
	}
	return nil
}

// ChatWebhookChannel posts a human-readable text payload, the shape chat
// products expect from incoming webhooks.
type ChatWebhookChannel struct {
	inner *WebhookChannel
}

func NewChatWebhookChannel(name, url string, timeout time.Duration) *ChatWebhookChannel {
	return &ChatWebhookChannel{inner: NewWebhookChannel(name, url, timeout)}
}

func (c *ChatWebhookChannel) Name() string { return c.inner.name }

func (c *ChatWebhookChannel) Notify(ctx context.Context, a Alert) error {
	text := fmt.Sprintf("*%s* [%s] %s: %s (subject: %s)",
		a.Title, a.Severity, a.State, a.Message, a.Subject)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}
	return c.inner.post(ctx, body)
}

// BuildChannel constructs a notification channel from its config entry.
func BuildChannel(cfg config.ChannelConfig) (Channel, error) {
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	switch cfg.Type {
	case "log":
		return NewLogChannel(cfg.Name), nil
	case "console":
		return NewConsoleChannel(cfg.Name), nil
	case "webhook":
		return NewWebhookChannel(cfg.Name, cfg.URL, timeout), nil
	case "chat_webhook":
		return NewChatWebhookChannel(cfg.Name, cfg.URL, timeout), nil
	}
	return nil, fmt.Errorf("unknown channel type '%s'", cfg.Type)
}
