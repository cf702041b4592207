package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramAlerter pushes alerts to one operator chat
type TelegramAlerter struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

func NewTelegramAlerter(token string, chatID int64, logger zerolog.Logger) (*TelegramAlerter, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot API: %w", err)
	}

	l := logger.With().Str("component", "telegram_alerter").Logger()
	l.Info().
		Str("bot_username", api.Self.UserName).
		Int64("chat_id", chatID).
		Msg("Telegram alerter initialized")

	return &TelegramAlerter{api: api, chatID: chatID, logger: l}, nil
}

func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(alert))
	msg.ParseMode = "Markdown"

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}

	t.logger.Debug().
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Msg("Telegram alert delivered")
	return nil
}

func formatAlert(alert Alert) string {
	var emoji string
	switch alert.Severity {
	case SeverityCritical:
		emoji = "🚨"
	case SeverityWarning:
		emoji = "⚠️"
	default:
		emoji = "ℹ️"
	}

	message := fmt.Sprintf("%s *%s*\n\n%s", emoji, alert.Title, alert.Message)

	if len(alert.Metadata) > 0 {
		keys := make([]string, 0, len(alert.Metadata))
		for key := range alert.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		message += "\n\n*Details:*"
		for _, key := range keys {
			message += fmt.Sprintf("\n- %s: `%v`", key, alert.Metadata[key])
		}
	}

	message += fmt.Sprintf("\n\n_Time: %s_", alert.Timestamp.Format("2006-01-02 15:04:05"))
	return message
}
