package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyExitAlert     NotificationType = "exit_alert"
	NotifyPositionOpen  NotificationType = "position_open"
	NotifyPositionClose NotificationType = "position_close"
	NotifyDegraded      NotificationType = "degraded"
	NotifyError         NotificationType = "error"
	NotifyInfo          NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Priority  string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendExitAlert sends an exit recommendation for an open position.
func (m *Manager) SendExitAlert(symbol, priority, exitRule string, currentPrice float64, autoClosed bool, reasoning []string) error {
	emoji := "🔔"
	if priority == "CRITICAL" {
		emoji = "🚨"
	}

	action := "review recommended"
	if autoClosed {
		action = "closed automatically"
	}

	message := fmt.Sprintf("%s exit (%s) @ %.2f\nAction: %s", exitRule, priority, currentPrice, action)
	for _, r := range reasoning {
		message += "\n" + r
	}

	return m.Send(&Notification{
		Type:      NotifyExitAlert,
		Title:     fmt.Sprintf("%s Exit Alert: %s", emoji, symbol),
		Message:   message,
		Symbol:    symbol,
		Price:     currentPrice,
		Priority:  priority,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"exit_rule":   exitRule,
			"auto_closed": autoClosed,
		},
	})
}

// SendPositionOpened sends a position opened notification
func (m *Manager) SendPositionOpened(symbol, direction string, price, quantity float64) error {
	return m.Send(&Notification{
		Type:      NotifyPositionOpen,
		Title:     fmt.Sprintf("📈 Position Opened: %s", symbol),
		Message:   fmt.Sprintf("%s %s\nEntry: %.2f\nContracts: %.2f", direction, symbol, price, quantity),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	})
}

// SendPositionClosed sends a position closed notification
func (m *Manager) SendPositionClosed(symbol string, quantity, realizedPnL float64, partial bool) error {
	emoji := "✅"
	if realizedPnL < 0 {
		emoji = "❌"
	}

	kind := "Closed"
	if partial {
		kind = "Partially Closed"
	}

	return m.Send(&Notification{
		Type:      NotifyPositionClose,
		Title:     fmt.Sprintf("%s Position %s: %s", emoji, kind, symbol),
		Message:   fmt.Sprintf("Contracts: %.2f\nRealized P&L: %.2f", quantity, realizedPnL),
		Symbol:    symbol,
		PnL:       realizedPnL,
		Timestamp: time.Now(),
	})
}

// SendDegraded reports a decision made without optional market data inputs.
func (m *Manager) SendDegraded(symbol string, missing []string) error {
	message := "Decision made without:"
	for _, in := range missing {
		message += "\n- " + in
	}
	return m.Send(&Notification{
		Type:      NotifyDegraded,
		Title:     fmt.Sprintf("⚠️ Degraded Decision: %s", symbol),
		Message:   message,
		Symbol:    symbol,
		Timestamp: time.Now(),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	// Create Discord embed
	color := 0x00FF00 // Green
	if notification.Type == NotifyError || notification.Priority == "CRITICAL" {
		color = 0xFF0000 // Red
	} else if notification.Type == NotifyDegraded || notification.Priority == "HIGH" {
		color = 0xFFA500 // Orange
	} else if notification.Type == NotifyPositionClose && notification.PnL < 0 {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	// Add fields if available
	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.2f", notification.Price), "inline": true,
			})
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.2f", notification.PnL), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
