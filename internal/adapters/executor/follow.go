package executor

import (
	"context"
	"fmt"

	"sns-autopilot/internal/domain"
)

// Follow открывает профиль пользователя и нажимает кнопку подписки.
// Целью может быть владелец поста либо внешний пользователь.
type Follow struct {
	client domain.DeviceClient
	waits  Waits
}

// NewFollow создаёт исполнителя подписок.
func NewFollow(client domain.DeviceClient, waits Waits) *Follow {
	return &Follow{client: client, waits: waits}
}

// Type возвращает тип реакции.
func (e *Follow) Type() domain.ActionType { return domain.ActionFollow }

// Execute выполняет подписку. Пост не требуется: при его отсутствии
// берётся TargetUsername.
func (e *Follow) Execute(ctx context.Context, req Request) error {
	target := req.TargetUsername
	if target == "" && req.Post != nil {
		target = req.Post.Username
	}
	if target == "" {
		return ErrNoTarget
	}
	deviceID := req.Account.DeviceID
	if err := e.client.OpenURL(ctx, deviceID, profileURL(target)); err != nil {
		return fmt.Errorf("открытие профиля: %w", err)
	}
	if err := sleep(ctx, e.waits.AfterFollow); err != nil {
		return err
	}
	if err := e.client.Tap(ctx, deviceID, followButtonX, followButtonY); err != nil {
		return fmt.Errorf("нажатие подписки: %w", err)
	}
	return sleep(ctx, e.waits.AfterInput)
}
