package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

var (
	_ domain.InteractionRepo    = (*Postgres)(nil)
	_ domain.EngagementTaskRepo = (*Postgres)(nil)
	_ domain.FreezeRepo         = (*Postgres)(nil)
)

// CreateInteractions сохраняет пачку реакций одной транзакцией.
// Дубликаты по уникальным ключам планирования молча пропускаются.
func (p *Postgres) CreateInteractions(ctx context.Context, items []domain.Interaction) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "interactions", start, err)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	created := 0
	for _, item := range items {
		var postID sql.NullInt64
		if item.PostURLID != nil {
			postID = sql.NullInt64{Int64: *item.PostURLID, Valid: true}
		}
		start = time.Now()
		tag, err := tx.Exec(ctx, `
INSERT INTO interactions (interaction_type, post_url_id, from_account_id, target_username, status, scheduled_at)
VALUES ($1, $2, $3, NULLIF($4, ''), 'pending', $5)
ON CONFLICT DO NOTHING
`, item.Type, postID, item.FromAccountID, item.TargetUsername, item.ScheduledAt)
		metrics.ObserveNetworkRequest("postgres", "interactions_insert", "interactions", start, err)
		if err != nil {
			return 0, err
		}
		created += int(tag.RowsAffected())
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "interactions", start, err)
	if err != nil {
		return 0, err
	}
	return created, nil
}

const interactionColumns = `
i.id, i.interaction_type, i.post_url_id, i.from_account_id, COALESCE(i.target_username, ''),
i.status, i.scheduled_at, i.claimed_at, i.executed_at, COALESCE(i.error_message, ''), i.created_at`

func scanInteraction(row pgx.Row) (domain.Interaction, error) {
	var (
		item      domain.Interaction
		postID    sql.NullInt64
		claimedAt sql.NullTime
		execAt    sql.NullTime
	)
	err := row.Scan(&item.ID, &item.Type, &postID, &item.FromAccountID, &item.TargetUsername,
		&item.Status, &item.ScheduledAt, &claimedAt, &execAt, &item.ErrorMessage, &item.CreatedAt)
	if err != nil {
		return domain.Interaction{}, err
	}
	if postID.Valid {
		id := postID.Int64
		item.PostURLID = &id
	}
	if claimedAt.Valid {
		ts := claimedAt.Time
		item.ClaimedAt = &ts
	}
	if execAt.Valid {
		ts := execAt.Time
		item.ExecutedAt = &ts
	}
	return item, nil
}

// ListDue возвращает pending-реакции с наступившим временем в порядке
// scheduled_at. Аккаунты неактивных проектов пропускаются без захвата.
func (p *Postgres) ListDue(now time.Time, limit int) ([]domain.Interaction, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+interactionColumns+`
FROM interactions i
JOIN accounts a ON a.id = i.from_account_id
JOIN projects pr ON pr.id = a.project_id
WHERE i.status='pending' AND i.scheduled_at <= $1 AND pr.is_active
ORDER BY i.scheduled_at, i.id
LIMIT $2
`, now, limit)
	metrics.ObserveNetworkRequest("postgres", "interactions_list_due", "interactions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.Interaction
	for rows.Next() {
		item, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimInteraction атомарно переводит реакцию pending → processing.
// Условный UPDATE гарантирует эксклюзивность захвата на уровне БД.
func (p *Postgres) ClaimInteraction(id int64, now time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE interactions SET status='processing', claimed_at=$2
WHERE id=$1 AND status='pending'
`, id, now)
	metrics.ObserveNetworkRequest("postgres", "interactions_claim", "interactions", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteInteraction помечает захваченную реакцию выполненной.
func (p *Postgres) CompleteInteraction(id int64, executedAt time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE interactions SET status='completed', executed_at=$2, error_message=NULL
WHERE id=$1 AND status='processing'
`, id, executedAt)
	metrics.ObserveNetworkRequest("postgres", "interactions_complete", "interactions", start, err)
	return err
}

// FailInteraction помечает захваченную реакцию ошибочной.
// Текст ошибки сохраняется дословно для диагностики оператором.
func (p *Postgres) FailInteraction(id int64, executedAt time.Time, errorMessage string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE interactions SET status='failed', executed_at=$2, error_message=$3
WHERE id=$1 AND status='processing'
`, id, executedAt, errorMessage)
	metrics.ObserveNetworkRequest("postgres", "interactions_fail", "interactions", start, err)
	return err
}

// FailStuckInteractions завершает ошибкой реакции, зависшие в processing
// дольше окна захвата.
func (p *Postgres) FailStuckInteractions(claimedBefore time.Time, errorMessage string) (int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE interactions SET status='failed', executed_at=now(), error_message=$2
WHERE status='processing' AND claimed_at < $1
`, claimedBefore, errorMessage)
	metrics.ObserveNetworkRequest("postgres", "interactions_fail_stuck", "interactions", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// InteractionStats возвращает агрегатные счётчики: pending/processing всего,
// completed/failed за скользящие сутки. projectID=nil — по всем проектам.
func (p *Postgres) InteractionStats(projectID *int64, now time.Time) (domain.SchedulerStats, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	since := now.Add(-24 * time.Hour)
	var stats domain.SchedulerStats
	var projectFilter sql.NullInt64
	if projectID != nil {
		projectFilter = sql.NullInt64{Int64: *projectID, Valid: true}
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT
    COUNT(*) FILTER (WHERE i.status='pending'),
    COUNT(*) FILTER (WHERE i.status='processing'),
    COUNT(*) FILTER (WHERE i.status='completed' AND i.executed_at >= $1),
    COUNT(*) FILTER (WHERE i.status='failed' AND i.executed_at >= $1)
FROM interactions i
JOIN accounts a ON a.id = i.from_account_id
WHERE $2::bigint IS NULL OR a.project_id = $2
`, since, projectFilter).Scan(&stats.Pending, &stats.Processing, &stats.CompletedToday, &stats.FailedToday)
	metrics.ObserveNetworkRequest("postgres", "interactions_stats", "interactions", start, err)
	return stats, err
}

func (p *Postgres) listWithPosts(query string, args ...any) ([]domain.InteractionWithPost, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InteractionWithPost
	for rows.Next() {
		var (
			item      domain.Interaction
			postID    sql.NullInt64
			claimedAt sql.NullTime
			execAt    sql.NullTime
			pID       sql.NullInt64
			pAccount  sql.NullInt64
			pUsername sql.NullString
			pURL      sql.NullString
			pText     sql.NullString
			pPubAt    sql.NullTime
		)
		err := rows.Scan(&item.ID, &item.Type, &postID, &item.FromAccountID, &item.TargetUsername,
			&item.Status, &item.ScheduledAt, &claimedAt, &execAt, &item.ErrorMessage, &item.CreatedAt,
			&pID, &pAccount, &pUsername, &pURL, &pText, &pPubAt)
		if err != nil {
			return nil, err
		}
		if postID.Valid {
			id := postID.Int64
			item.PostURLID = &id
		}
		if claimedAt.Valid {
			ts := claimedAt.Time
			item.ClaimedAt = &ts
		}
		if execAt.Valid {
			ts := execAt.Time
			item.ExecutedAt = &ts
		}
		entry := domain.InteractionWithPost{Interaction: item}
		if pID.Valid {
			entry.Post = &domain.PostURL{
				ID:          pID.Int64,
				AccountID:   pAccount.Int64,
				Username:    pUsername.String,
				URL:         pURL.String,
				Text:        pText.String,
				PublishedAt: pPubAt.Time,
			}
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

// ListUpcoming возвращает ближайшие pending-реакции вместе с постами.
func (p *Postgres) ListUpcoming(now time.Time, limit int) ([]domain.InteractionWithPost, error) {
	start := time.Now()
	items, err := p.listWithPosts(`
SELECT `+interactionColumns+`,
       p.id, p.account_id, p.username, p.url, p.content, p.published_at
FROM interactions i
LEFT JOIN post_urls p ON p.id = i.post_url_id
WHERE i.status='pending'
ORDER BY i.scheduled_at, i.id
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "interactions_list_upcoming", "interactions", start, err)
	return items, err
}

// ListRecent возвращает завершённые и ошибочные реакции за окно от since.
func (p *Postgres) ListRecent(since time.Time, limit int) ([]domain.InteractionWithPost, error) {
	start := time.Now()
	items, err := p.listWithPosts(`
SELECT `+interactionColumns+`,
       p.id, p.account_id, p.username, p.url, p.content, p.published_at
FROM interactions i
LEFT JOIN post_urls p ON p.id = i.post_url_id
WHERE i.status IN ('completed', 'failed') AND i.executed_at >= $1
ORDER BY i.executed_at DESC, i.id DESC
LIMIT $2
`, since, limit)
	metrics.ObserveNetworkRequest("postgres", "interactions_list_recent", "interactions", start, err)
	return items, err
}

// ListDueTasks возвращает регулярные задачи, которым по частоте пора
// выполняться. Выполнения равномерно распределяются по суткам:
// задача готова, если с прошлого запуска прошло не меньше 24h/frequency.
func (p *Postgres) ListDueTasks(now time.Time) ([]domain.EngagementTask, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT t.id, t.account_id, t.task_type, COALESCE(t.target_user, ''), COALESCE(t.target_post, ''),
       t.frequency, t.is_active, t.executions_today, t.executions_date, t.last_executed_at,
       COALESCE(t.last_error, ''), t.created_at
FROM engagement_tasks t
JOIN accounts a ON a.id = t.account_id
WHERE t.is_active
  AND t.frequency > 0
  AND a.status = 'active'
  AND (t.executions_date IS NULL OR t.executions_date <> $1::date OR t.executions_today < t.frequency)
  AND (t.last_executed_at IS NULL OR t.last_executed_at <= $1 - interval '24 hours' / t.frequency)
ORDER BY t.last_executed_at NULLS FIRST, t.id
`, now)
	metrics.ObserveNetworkRequest("postgres", "tasks_list_due", "engagement_tasks", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.EngagementTask
	for rows.Next() {
		var (
			t        domain.EngagementTask
			execDate sql.NullTime
			lastExec sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.TargetUser, &t.TargetPost,
			&t.Frequency, &t.IsActive, &t.ExecutionsToday, &execDate, &lastExec, &t.LastError, &t.CreatedAt); err != nil {
			return nil, err
		}
		if execDate.Valid {
			ts := execDate.Time
			t.ExecutionsDate = &ts
		}
		if lastExec.Valid {
			ts := lastExec.Time
			t.LastExecutedAt = &ts
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask атомарно захватывает назревшую задачу. Условный UPDATE повторяет
// критерий готовности из ListDueTasks и сдвигает last_executed_at, поэтому
// параллельный диспетчер, прошедший ту же выборку, захват не получит.
func (p *Postgres) ClaimTask(id int64, now time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE engagement_tasks
SET last_executed_at = $2
WHERE id = $1
  AND is_active
  AND frequency > 0
  AND (last_executed_at IS NULL OR last_executed_at <= $2 - interval '24 hours' / frequency)
`, id, now)
	metrics.ObserveNetworkRequest("postgres", "tasks_claim", "engagement_tasks", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTaskExecuted фиксирует выполнение задачи: сдвигает last_executed_at и
// инкрементирует суточный счётчик со сбросом на границе даты.
func (p *Postgres) MarkTaskExecuted(id int64, executedAt time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE engagement_tasks
SET last_executed_at = $2,
    executions_today = CASE WHEN executions_date = $2::date THEN executions_today + 1 ELSE 1 END,
    executions_date = $2::date,
    last_error = NULL
WHERE id = $1
`, id, executedAt)
	metrics.ObserveNetworkRequest("postgres", "tasks_mark_executed", "engagement_tasks", start, err)
	return err
}

// MarkTaskFailed фиксирует неудачную попытку. last_executed_at сдвигается
// так же, как при успехе, чтобы упавшая задача не ретраилась в каждом цикле.
func (p *Postgres) MarkTaskFailed(id int64, failedAt time.Time, errorMessage string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE engagement_tasks
SET last_executed_at = $2,
    last_error = $3
WHERE id = $1
`, id, failedAt, errorMessage)
	metrics.ObserveNetworkRequest("postgres", "tasks_mark_failed", "engagement_tasks", start, err)
	return err
}

// SaveFreezeDetection сохраняет сигнал заморозки.
func (p *Postgres) SaveFreezeDetection(fd domain.FreezeDetection) (domain.FreezeDetection, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO freeze_detections (account_id, device_id, signal, classification, recommended_action)
VALUES ($1, NULLIF($2, ''), $3, $4, $5)
RETURNING id, created_at
`, fd.AccountID, fd.DeviceID, fd.Signal, fd.Classification, fd.RecommendedAction).Scan(&fd.ID, &fd.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "freeze_insert", "freeze_detections", start, err)
	if err != nil {
		return domain.FreezeDetection{}, err
	}
	return fd, nil
}
