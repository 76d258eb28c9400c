package executor

import (
	"context"
	"fmt"

	"sns-autopilot/internal/domain"
)

// Retweet открывает пост и делает репост через меню.
type Retweet struct {
	client domain.DeviceClient
	waits  Waits
}

// NewRetweet создаёт исполнителя репостов.
func NewRetweet(client domain.DeviceClient, waits Waits) *Retweet {
	return &Retweet{client: client, waits: waits}
}

// Type возвращает тип реакции.
func (e *Retweet) Type() domain.ActionType { return domain.ActionRetweet }

// Execute выполняет репост: нажатие кнопки репоста, ожидание меню,
// подтверждение пункта "Repost".
func (e *Retweet) Execute(ctx context.Context, req Request) error {
	if req.Post == nil {
		return ErrNoPost
	}
	deviceID := req.Account.DeviceID
	if err := e.client.OpenURL(ctx, deviceID, req.Post.URL); err != nil {
		return fmt.Errorf("открытие поста: %w", err)
	}
	if err := sleep(ctx, e.waits.AfterOpen); err != nil {
		return err
	}
	if err := ensureScreen(ctx, e.client, deviceID, e.waits.AfterScroll); err != nil {
		return fmt.Errorf("экран недоступен: %w", err)
	}
	if err := e.client.Tap(ctx, deviceID, retweetButtonX, retweetButtonY); err != nil {
		return fmt.Errorf("нажатие репоста: %w", err)
	}
	if err := sleep(ctx, e.waits.AfterMenu); err != nil {
		return err
	}
	if err := e.client.Tap(ctx, deviceID, repostOptionX, repostOptionY); err != nil {
		return fmt.Errorf("подтверждение репоста: %w", err)
	}
	return nil
}
