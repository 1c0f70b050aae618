// Package notification pushes the alerts an operator must see without
// watching the dashboard: breaker trips, drawdown pauses, emergency
// closes, terminals dropping offline. Delivery is best-effort; a dead
// webhook never blocks the trading path.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/events"
)

// Severity steers formatting on the receiving side
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one operator alert
type Notification struct {
	Severity   Severity
	Title      string
	Message    string
	AccountID  int64
	Instrument string
	Timestamp  time.Time
}

// Notifier is a delivery channel
type Notifier interface {
	Send(n *Notification) error
	Name() string
	Enabled() bool
}

// Manager fans alerts out to the configured channels and owns the event
// subscriptions that produce them.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager builds the channel set from config.
func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "Notifier").Logger(),
	}
	m.notifiers = append(m.notifiers, NewTelegramNotifier(cfg.Telegram))
	m.notifiers = append(m.notifiers, NewDiscordNotifier(cfg.Discord))
	return m
}

// SubscribeTo wires the manager onto the platform events worth waking
// someone up for. Handlers run on bus goroutines, so a slow webhook
// costs nothing but its own latency.
func (m *Manager) SubscribeTo(bus *events.Bus) {
	bus.Subscribe(events.EventBreakerTripped, func(e events.Event) {
		m.Send(&Notification{
			Severity:  SeverityCritical,
			Title:     fmt.Sprintf("Circuit breaker tripped on %d", e.AccountID),
			Message:   payloadString(e, "reason"),
			AccountID: e.AccountID,
		})
	})
	bus.Subscribe(events.EventDrawdownPause, func(e events.Event) {
		m.Send(&Notification{
			Severity:  SeverityCritical,
			Title:     fmt.Sprintf("Auto-trading paused on %d", e.AccountID),
			Message:   fmt.Sprintf("daily loss %.2f%%", payloadFloat(e, "loss_pct")),
			AccountID: e.AccountID,
		})
	})
	bus.Subscribe(events.EventEmergencyClose, func(e events.Event) {
		m.Send(&Notification{
			Severity:  SeverityCritical,
			Title:     fmt.Sprintf("EMERGENCY close-all on %d", e.AccountID),
			Message:   fmt.Sprintf("loss %.2f%%, closing all open positions", payloadFloat(e, "loss_pct")),
			AccountID: e.AccountID,
		})
	})
	bus.Subscribe(events.EventAccountDisconnected, func(e events.Event) {
		m.Send(&Notification{
			Severity:  SeverityWarning,
			Title:     fmt.Sprintf("Terminal %d offline", e.AccountID),
			Message:   "no heartbeat inside the timeout window",
			AccountID: e.AccountID,
		})
	})
	bus.Subscribe(events.EventShadowRecovered, func(e events.Event) {
		m.Send(&Notification{
			Severity:   SeverityInfo,
			Title:      "Symbol recovered from shadow mode",
			Message:    fmt.Sprintf("%s back to live trading", payloadString(e, "instrument")),
			AccountID:  e.AccountID,
			Instrument: payloadString(e, "instrument"),
		})
	})
}

// Send pushes one alert through every enabled channel.
func (m *Manager) Send(n *Notification) {
	if !m.enabled {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	for _, notifier := range m.notifiers {
		if !notifier.Enabled() {
			continue
		}
		if err := notifier.Send(n); err != nil {
			m.logger.Warn().Err(err).Str("channel", notifier.Name()).
				Str("title", n.Title).Msg("Alert delivery failed")
		}
	}
}

func payloadString(e events.Event, key string) string {
	if p, ok := e.Payload.(map[string]interface{}); ok {
		if v, ok := p[key].(string); ok {
			return v
		}
	}
	return ""
}

func payloadFloat(e events.Event, key string) float64 {
	if p, ok := e.Payload.(map[string]interface{}); ok {
		if v, ok := p[key].(float64); ok {
			return v
		}
	}
	return 0
}

// ==================== Telegram ====================

// TelegramNotifier posts alerts to a Telegram chat via bot API
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram channel
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string  { return "telegram" }
func (t *TelegramNotifier) Enabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(n *Notification) error {
	text := fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message)
	if n.Severity == SeverityCritical {
		text = "⚠ " + text
	}

	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// ==================== Discord ====================

// DiscordNotifier posts alerts to a Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a Discord channel
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string  { return "discord" }
func (d *DiscordNotifier) Enabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(n *Notification) error {
	color := 0x3498db // blue
	switch n.Severity {
	case SeverityWarning:
		color = 0xf39c12
	case SeverityCritical:
		color = 0xe74c3c
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	var fields []map[string]interface{}
	if n.AccountID != 0 {
		fields = append(fields, map[string]interface{}{
			"name": "Account", "value": fmt.Sprintf("%d", n.AccountID), "inline": true,
		})
	}
	if n.Instrument != "" {
		fields = append(fields, map[string]interface{}{
			"name": "Instrument", "value": n.Instrument, "inline": true,
		})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	payload, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
