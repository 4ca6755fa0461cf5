// Package notify delivers operator notifications for stop triggers, order
// rejections and connection failures.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"trailstop/internal/config"
	"trailstop/internal/models"
	"trailstop/internal/performance"
	"trailstop/internal/security"
)

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrigger    NotificationType = "trigger"
	NotificationOrder      NotificationType = "order"
	NotificationConnection NotificationType = "connection"
	NotificationError      NotificationType = "error"
	NotificationInfo       NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll          NotificationLevel = "all"
	LevelTriggersOnly NotificationLevel = "triggers_only"
	LevelErrorsOnly   NotificationLevel = "errors_only"
)

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a MultiNotifier with a log channel plus Telegram
// when configured.
func NewMultiNotifier(cfg config.NotificationConfig, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{level: NotificationLevel(cfg.Level)}
	if mn.level == "" {
		mn.level = LevelAll
	}

	mn.channels = append(mn.channels, NewLogNotifier(logger))
	if cfg.Enabled && cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram, logger))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// shouldSend checks a notification type against the level filter.
func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	switch mn.level {
	case LevelTriggersOnly:
		return t == NotificationTrigger
	case LevelErrorsOnly:
		return t == NotificationError || t == NotificationConnection
	default:
		return true
	}
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendStopTrigger announces a breached trailing stop.
func (mn *MultiNotifier) SendStopTrigger(ctx context.Context, ev models.StopTriggerEvent) error {
	credit := ""
	if ev.IsCredit {
		credit = " (credit)"
	}
	return mn.Send(ctx, Notification{
		Type:  NotificationTrigger,
		Title: fmt.Sprintf("🛑 Stop triggered: %s", ev.GroupName),
		Message: fmt.Sprintf("Value: %.2f%s\nStop: %.2f\nHigh water mark: %.2f\nOrder: %d",
			ev.Value, credit, ev.StopPrice, ev.HWM, ev.OrderID),
		Data: map[string]interface{}{
			"group_id":   ev.GroupID,
			"value":      ev.Value,
			"stop_price": ev.StopPrice,
			"hwm":        ev.HWM,
			"order_id":   ev.OrderID,
		},
		Timestamp: ev.Time,
	})
}

// SendOrderRejected announces an order the terminal refused.
func (mn *MultiNotifier) SendOrderRejected(ctx context.Context, ev models.OrderEvent) error {
	return mn.Send(ctx, Notification{
		Type:  NotificationOrder,
		Title: fmt.Sprintf("❌ Order rejected: %s", ev.Symbol),
		Message: fmt.Sprintf("%s %.0f @ stop %.2f\nOrder: %d\n%s",
			ev.Action, ev.Quantity, ev.StopPrice, ev.OrderID, ev.Message),
		Data: map[string]interface{}{
			"group_id": ev.GroupID,
			"order_id": ev.OrderID,
			"status":   ev.Status,
		},
		Timestamp: ev.Time,
	})
}

// SendConnection announces connection losses and reconnect failures. Other
// transitions are ignored.
func (mn *MultiNotifier) SendConnection(ctx context.Context, ev models.ConnectionEvent) error {
	var title string
	switch ev.State {
	case "ConnectionLost", "HeartbeatTimeout":
		title = "⚠️ Terminal connection lost"
	case "Failed":
		title = "❌ Terminal reconnection failed"
	default:
		return nil
	}
	return mn.Send(ctx, Notification{
		Type:      NotificationConnection,
		Title:     title,
		Message:   fmt.Sprintf("State: %s\nReason: %s", ev.State, ev.Reason),
		Data:      map[string]interface{}{"state": ev.State, "reason": ev.Reason},
		Timestamp: ev.Time,
	})
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "❌ Error Occurred",
		Message: fmt.Sprintf("Context: %s\nError: %v\nTime: %s", errContext, err, time.Now().Format("15:04:05")),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Name() string    { return "log" }
func (l *LogNotifier) IsEnabled() bool { return true }

// Send logs the notification.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	evt := l.logger.Info()
	if n.Type == NotificationError || n.Type == NotificationConnection {
		evt = l.logger.Warn()
	}
	evt.Str("type", string(n.Type)).Str("title", n.Title).Msg(strings.ReplaceAll(n.Message, "\n", " | "))
	return nil
}

// TelegramNotifier sends notifications via a Telegram bot.
type TelegramNotifier struct {
	token    string
	chatID   int64
	endpoint string
	client   *http.Client
	enabled  bool
	limiter  *performance.RateLimiter
	logger   zerolog.Logger

	mu  sync.Mutex
	api *tgbotapi.BotAPI
}

// Telegram allows roughly one message per second to a chat.
const (
	telegramRate  = 1.0
	telegramBurst = 3
)

// NewTelegramNotifier creates a TelegramNotifier. The bot is authenticated
// on the first send.
func NewTelegramNotifier(cfg config.TelegramConfig, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:    cfg.BotToken,
		chatID:   cfg.ChatID,
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != 0,
		limiter:  performance.NewRateLimiter(telegramRate, telegramBurst),
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) bot() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api != nil {
		return t.api, nil
	}
	api, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	t.logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot connected")
	t.api = api
	return api, nil
}

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	api, err := t.bot()
	if err != nil {
		return errors.New(security.MaskSensitive(err.Error()))
	}

	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message)))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := api.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %s", security.MaskSensitive(err.Error()))
	}
	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
