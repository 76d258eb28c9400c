package executor

import (
	"context"
	"fmt"

	"sns-autopilot/internal/domain"
)

// Like открывает пост и нажимает кнопку лайка.
type Like struct {
	client domain.DeviceClient
	waits  Waits
}

// NewLike создаёт исполнителя лайков.
func NewLike(client domain.DeviceClient, waits Waits) *Like {
	return &Like{client: client, waits: waits}
}

// Type возвращает тип реакции.
func (e *Like) Type() domain.ActionType { return domain.ActionLike }

// Execute выполняет лайк поста.
func (e *Like) Execute(ctx context.Context, req Request) error {
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
	if err := e.client.Tap(ctx, deviceID, likeButtonX, likeButtonY); err != nil {
		return fmt.Errorf("нажатие лайка: %w", err)
	}
	return sleep(ctx, e.waits.AfterInput)
}
