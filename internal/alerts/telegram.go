package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
)

// sender is the slice of the bot API the alerter uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers alerts to one chat via a Telegram bot.
type Telegram struct {
	api    sender
	chatID int64
	log    zerolog.Logger
}

// NewTelegram authenticates the bot and returns the alerter.
func NewTelegram(cfg config.AlertsConfig) (*Telegram, error) {
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("alerts: telegram token is required")
	}
	if cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("alerts: telegram chat id is required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("alerts: telegram auth: %w", err)
	}

	log := config.NewLogger("alerts.telegram")
	log.Info().Str("bot_username", api.Self.UserName).Msg("Telegram alerter initialized")
	return &Telegram{api: api, chatID: cfg.TelegramChatID, log: log}, nil
}

// Send implements Alerter.
func (t *Telegram) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(alert))
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("alerts: telegram send: %w", err)
	}
	t.log.Debug().Str("event", alert.Event).Msg("Telegram alert sent")
	return nil
}

func formatAlert(alert Alert) string {
	emoji := "ℹ️"
	switch alert.Severity {
	case SeverityCritical:
		emoji = "🚨"
	case SeverityWarning:
		emoji = "⚠️"
	}
	return fmt.Sprintf("%s *%s*\n\n%s\n\n_%s_",
		emoji, alert.Event, alert.Message, alert.Timestamp.Format("2006-01-02 15:04:05 UTC"))
}
