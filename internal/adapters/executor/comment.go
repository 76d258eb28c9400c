package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"sns-autopilot/internal/adapters/commentgen"
	"sns-autopilot/internal/domain"
)

// Comment открывает пост, генерирует реплай под персону и отправляет его.
type Comment struct {
	client    domain.DeviceClient
	generator domain.CommentGenerator
	waits     Waits
}

// NewComment создаёт исполнителя комментариев.
func NewComment(client domain.DeviceClient, generator domain.CommentGenerator, waits Waits) *Comment {
	return &Comment{client: client, generator: generator, waits: waits}
}

// Type возвращает тип реакции.
func (e *Comment) Type() domain.ActionType { return domain.ActionComment }

// Execute выполняет комментарий к посту. Ошибка или пустой ответ генератора
// не роняют реакцию: подставляется нейтральный комментарий.
func (e *Comment) Execute(ctx context.Context, req Request) error {
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

	comment, err := e.generator.GenerateComment(ctx, *req.Post, req.Persona, req.CommentStyle)
	if err != nil {
		log.Warn().Err(err).Int64("post", req.Post.ID).Msg("executor: генератор комментариев недоступен, используем дефолт")
		comment = ""
	}
	if strings.TrimSpace(comment) == "" {
		comment = commentgen.DefaultComment
	}

	if err := e.client.Tap(ctx, deviceID, commentButtonX, commentButtonY); err != nil {
		return fmt.Errorf("открытие поля комментария: %w", err)
	}
	if err := sleep(ctx, e.waits.AfterMenu); err != nil {
		return err
	}
	if err := e.client.InputText(ctx, deviceID, comment); err != nil {
		return fmt.Errorf("ввод комментария: %w", err)
	}
	if err := sleep(ctx, e.waits.AfterInput); err != nil {
		return err
	}
	if err := e.client.Tap(ctx, deviceID, postButtonX, postButtonY); err != nil {
		return fmt.Errorf("отправка комментария: %w", err)
	}
	return nil
}
