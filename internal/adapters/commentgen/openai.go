package commentgen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sns-autopilot/internal/domain"
	openai "sns-autopilot/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI генерирует комментарии к постам через OpenAI Chat Completions.
type OpenAI struct {
	client  chatClient
	model   string
	timeout time.Duration
}

var _ domain.CommentGenerator = (*OpenAI)(nil)

// NewOpenAI создаёт генератор комментариев.
func NewOpenAI(client chatClient, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4o"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

// GenerateComment строит короткий реплай под заданную персону.
// Пустой текст поста допустим: генератор опирается на персону и тон.
func (g *OpenAI) GenerateComment(ctx context.Context, post domain.PostURL, persona, style string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("以下はX（Twitter）の投稿です。この投稿に対する自然なコメント（リプライ）を生成してください。\n\n")
	sb.WriteString("【ペルソナ】\n")
	sb.WriteString(persona)
	sb.WriteString("\n\n")
	if style != "" {
		sb.WriteString("【トーン】\n")
		sb.WriteString(style)
		sb.WriteString("\n\n")
	}
	sb.WriteString(`【コメントのルール】
- 50文字以内の短いコメント
- 投稿内容に具体的に言及する
- フレンドリーで前向きなトーン
- 絵文字は1つまで使用可
- 質問を入れると会話が広がりやすい
- 宣伝や営業っぽくならないこと
- 日本語で書くこと

【出力形式】
コメント文のみを出力してください。説明や前置きは不要です。

【投稿】
`)
	sb.WriteString(clipRunes(strings.TrimSpace(post.Text), 2000))

	req := openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: 0.8,
		MaxTokens:   200,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleUser, Content: sb.String()},
		},
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("генерация комментария: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	comment := strings.TrimSpace(resp.Choices[0].Message.Content)
	comment = strings.Trim(comment, `"'`)
	return strings.TrimSpace(comment), nil
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
