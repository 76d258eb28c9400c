package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"sns-autopilot/internal/domain"
)

// Request — контекст выполнения одной реакции.
type Request struct {
	Account        domain.Account
	Post           *domain.PostURL
	TargetUsername string
	Persona        string
	CommentStyle   string
}

// ActionExecutor выполняет один тип реакции на устройстве.
type ActionExecutor interface {
	Type() domain.ActionType
	Execute(ctx context.Context, req Request) error
}

// ErrNoPost возвращается, когда для реакции нужен пост, а его нет.
var ErrNoPost = errors.New("у реакции нет целевого поста")

// ErrNoTarget возвращается follow-реакции без целевого пользователя.
var ErrNoTarget = errors.New("у подписки нет целевого пользователя")

// Тайминги проверенного сценария: ожидание после открытия URL,
// после скролла и между шагами ввода.
const (
	waitAfterOpen   = 10 * time.Second
	waitAfterFollow = 8 * time.Second
	waitAfterScroll = 2 * time.Second
	waitAfterMenu   = 2 * time.Second
	waitAfterInput  = time.Second
	maxScreenRetry  = 3
)

// Координаты кнопок на экране 1080x1920.
const (
	likeButtonX = 150
	likeButtonY = 1430

	commentButtonX = 60
	commentButtonY = 1430

	retweetButtonX = 340
	retweetButtonY = 1430
	repostOptionX  = 230
	repostOptionY  = 1440

	followButtonX = 990
	followButtonY = 900

	postButtonX = 980
	postButtonY = 350
)

// sleep ждёт d, прерываясь по контексту.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ensureScreen убеждается, что устройство отдаёт экран: до maxScreenRetry
// попыток снять скриншот, между попытками — скролл вниз.
func ensureScreen(ctx context.Context, client domain.DeviceClient, deviceID string, wait time.Duration) error {
	var lastErr error
	for i := 0; i < maxScreenRetry; i++ {
		if _, err := client.Screenshot(ctx, deviceID); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < maxScreenRetry-1 {
			if err := client.ScrollDown(ctx, deviceID); err != nil {
				lastErr = err
			}
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// profileURL строит URL профиля из имени пользователя (@ отбрасывается).
func profileURL(username string) string {
	return "https://x.com/" + strings.TrimPrefix(username, "@")
}

// NewSet собирает полный набор исполнителей по типам реакций.
func NewSet(client domain.DeviceClient, generator domain.CommentGenerator, waits Waits) map[domain.ActionType]ActionExecutor {
	return map[domain.ActionType]ActionExecutor{
		domain.ActionLike:    NewLike(client, waits),
		domain.ActionComment: NewComment(client, generator, waits),
		domain.ActionRetweet: NewRetweet(client, waits),
		domain.ActionFollow:  NewFollow(client, waits),
	}
}

// Waits позволяет переопределить тайминги сценариев (в тестах).
type Waits struct {
	AfterOpen   time.Duration
	AfterFollow time.Duration
	AfterScroll time.Duration
	AfterMenu   time.Duration
	AfterInput  time.Duration
}

// DefaultWaits — тайминги проверенного сценария.
func DefaultWaits() Waits {
	return Waits{
		AfterOpen:   waitAfterOpen,
		AfterFollow: waitAfterFollow,
		AfterScroll: waitAfterScroll,
		AfterMenu:   waitAfterMenu,
		AfterInput:  waitAfterInput,
	}
}
