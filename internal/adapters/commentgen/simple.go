package commentgen

import (
	"context"

	"sns-autopilot/internal/domain"
)

// DefaultComment — нейтральный комментарий, когда генератор недоступен
// или вернул пустой результат.
const DefaultComment = "素敵な投稿ですね！"

// Simple возвращает нейтральный комментарий без обращения к LLM.
type Simple struct{}

var _ domain.CommentGenerator = (*Simple)(nil)

// NewSimple создаёт генератор-заглушку.
func NewSimple() *Simple {
	return &Simple{}
}

// GenerateComment возвращает нейтральный комментарий.
func (s *Simple) GenerateComment(context.Context, domain.PostURL, string, string) (string, error) {
	return DefaultComment, nil
}
