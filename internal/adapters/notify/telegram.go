package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

// Telegram доставляет уведомления о заморозках в операторский чат.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

var _ domain.AlertNotifier = (*Telegram)(nil)

// NewTelegram создаёт нотификатор.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// NotifyFreeze отправляет сообщение о сигнале заморозки.
func (t *Telegram) NotifyFreeze(_ context.Context, alert domain.FreezeAlert) error {
	text := fmt.Sprintf(
		"⚠️ Заморозка аккаунта\nАккаунт: %s (id %d)\nУстройство: %s\nКласс: %s\nДействие: %s\nСигнал: %s",
		alert.AccountUsername, alert.AccountID, alert.DeviceID,
		alert.Classification, alert.RecommendedAction, alert.Signal,
	)
	msg := tgbotapi.NewMessage(t.chatID, text)
	start := time.Now()
	_, err := t.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send_message", "alerts", start, err)
	if err != nil {
		return fmt.Errorf("отправка уведомления: %w", err)
	}
	return nil
}
