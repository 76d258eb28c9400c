package domain

import (
	"context"
	"time"
)

// AccountRepo управляет аккаунтами проектов.
type AccountRepo interface {
	GetAccount(id int64) (Account, error)
	ListProjectAccounts(projectID int64) ([]Account, error)
	ListAccountsWithDevice() ([]Account, error)
	UpdateAccountStatus(id int64, status AccountStatus) error
}

// ProjectRepo возвращает проекты.
type ProjectRepo interface {
	GetProject(id int64) (Project, error)
}

// PolicyRepo возвращает политику реакций проекта.
type PolicyRepo interface {
	GetPolicy(projectID int64) (InteractionPolicy, error)
}

// RelationshipRepo управляет связями между парами аккаунтов.
type RelationshipRepo interface {
	// ListRelationshipsTo возвращает все связи кандидат → владелец поста.
	ListRelationshipsTo(projectID, toAccountID int64) ([]AccountRelationship, error)
	GetRelationship(projectID, fromAccountID, toAccountID int64) (AccountRelationship, error)
	// BulkInitRelationships создаёт записи по умолчанию для каждой
	// упорядоченной пары аккаунтов проекта. Существующие пары не трогает,
	// возвращает число созданных записей.
	BulkInitRelationships(projectID int64, defaults AccountRelationship) (int, error)
	DeleteRelationship(id int64) error
}

// PostRepo управляет постами.
type PostRepo interface {
	GetPostURL(id int64) (PostURL, error)
	SavePostURL(post PostURL) (PostURL, error)
}

// InteractionRepo управляет запланированными реакциями.
type InteractionRepo interface {
	// CreateInteractions сохраняет пачку реакций одной транзакцией.
	// Дубликаты по (post_url_id, from_account_id, interaction_type)
	// молча пропускаются; возвращается число созданных строк.
	CreateInteractions(ctx context.Context, items []Interaction) (int, error)
	// ListDue возвращает pending-реакции с наступившим scheduled_at в порядке
	// scheduled_at, пропуская аккаунты неактивных проектов.
	ListDue(now time.Time, limit int) ([]Interaction, error)
	// ClaimInteraction атомарно переводит pending → processing.
	// Возвращает false, если строку уже захватил другой воркер.
	ClaimInteraction(id int64, now time.Time) (bool, error)
	CompleteInteraction(id int64, executedAt time.Time) error
	FailInteraction(id int64, executedAt time.Time, errorMessage string) error
	// FailStuckInteractions завершает ошибкой строки, зависшие в processing
	// дольше допустимого окна захвата. Возвращает число затронутых строк.
	FailStuckInteractions(claimedBefore time.Time, errorMessage string) (int, error)
	InteractionStats(projectID *int64, now time.Time) (SchedulerStats, error)
	ListUpcoming(now time.Time, limit int) ([]InteractionWithPost, error)
	ListRecent(since time.Time, limit int) ([]InteractionWithPost, error)
}

// EngagementTaskRepo управляет регулярными задачами.
type EngagementTaskRepo interface {
	// ListDueTasks возвращает активные задачи, которым по частоте пора
	// выполняться: за сутки выполнено меньше frequency раз и с прошлого
	// выполнения прошло не меньше 24h/frequency.
	ListDueTasks(now time.Time) ([]EngagementTask, error)
	// ClaimTask атомарно захватывает назревшую задачу, сдвигая
	// last_executed_at. Возвращает false, если захват перехвачен другим
	// диспетчером или задача уже не назрела.
	ClaimTask(id int64, now time.Time) (bool, error)
	// MarkTaskExecuted фиксирует выполнение: сдвигает last_executed_at и
	// инкрементирует суточный счётчик (со сбросом при смене даты).
	MarkTaskExecuted(id int64, executedAt time.Time) error
	// MarkTaskFailed фиксирует неудачную попытку: текст ошибки сохраняется
	// дословно, интервал до следующей попытки сохраняется как при успехе.
	MarkTaskFailed(id int64, failedAt time.Time, errorMessage string) error
}

// FreezeRepo сохраняет сигналы заморозки.
type FreezeRepo interface {
	SaveFreezeDetection(fd FreezeDetection) (FreezeDetection, error)
}

// DeviceClient — клиент провайдера автоматизации устройств.
// Все вызовы могут быть медленными и обязаны уважать контекст.
type DeviceClient interface {
	OpenURL(ctx context.Context, deviceID, url string) error
	Tap(ctx context.Context, deviceID string, x, y int) error
	ScrollDown(ctx context.Context, deviceID string) error
	InputText(ctx context.Context, deviceID, text string) error
	Screenshot(ctx context.Context, deviceID string) ([]byte, error)
	GetDeviceStatus(ctx context.Context, deviceID string) (DeviceStatus, error)
}

// CommentGenerator строит текст комментария под персону.
// Пустой результат допустим: вызывающая сторона подставляет нейтральный
// комментарий по умолчанию.
type CommentGenerator interface {
	GenerateComment(ctx context.Context, post PostURL, persona, style string) (string, error)
}

// Cache используется для простых TTL-хранилищ и межпроцессных замков.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

// DeviceStatusCache — локальный кэш статусов устройств с TTL и ограничением
// размера. Промах и протухшая запись неразличимы для вызывающего.
type DeviceStatusCache interface {
	Get(deviceID string) (DeviceStatus, bool)
	Set(status DeviceStatus)
	Len() int
}
