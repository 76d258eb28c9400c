package domain

import "time"

// ActionType описывает тип реакции на пост.
type ActionType string

const (
	// ActionLike — лайк поста.
	ActionLike ActionType = "like"
	// ActionComment — комментарий (реплай) к посту.
	ActionComment ActionType = "comment"
	// ActionRetweet — репост.
	ActionRetweet ActionType = "retweet"
	// ActionFollow — подписка на автора или внешнего пользователя.
	ActionFollow ActionType = "follow"
)

// AllActionTypes перечисляет поддерживаемые типы реакций в стабильном порядке.
var AllActionTypes = []ActionType{ActionLike, ActionComment, ActionRetweet, ActionFollow}

// InteractionStatus — статус запланированной реакции.
type InteractionStatus string

const (
	// InteractionPending — реакция ждёт своего времени.
	InteractionPending InteractionStatus = "pending"
	// InteractionProcessing — реакция захвачена диспетчером.
	InteractionProcessing InteractionStatus = "processing"
	// InteractionCompleted — реакция выполнена успешно.
	InteractionCompleted InteractionStatus = "completed"
	// InteractionFailed — реакция завершилась ошибкой.
	InteractionFailed InteractionStatus = "failed"
)

// AccountStatus — операционный статус аккаунта.
type AccountStatus string

const (
	// AccountActive — аккаунт работает и участвует в планировании.
	AccountActive AccountStatus = "active"
	// AccountPaused — аккаунт на паузе (cooldown после rate limit).
	AccountPaused AccountStatus = "paused"
	// AccountFrozen — аккаунт заморожен платформой, исключён из планирования.
	AccountFrozen AccountStatus = "frozen"
	// AccountReview — аккаунт требует ручной проверки оператором.
	AccountReview AccountStatus = "review"
)

// RelationshipType — тип отношения между парой аккаунтов.
type RelationshipType string

const (
	RelationshipFriend       RelationshipType = "friend"
	RelationshipAcquaintance RelationshipType = "acquaintance"
	RelationshipFollower     RelationshipType = "follower"
	RelationshipColleague    RelationshipType = "colleague"
	RelationshipRival        RelationshipType = "rival"
	RelationshipStranger     RelationshipType = "stranger"
)

// Project описывает проект — группу управляемых аккаунтов.
type Project struct {
	ID        int64
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Account описывает управляемый SNS-аккаунт.
type Account struct {
	ID        int64
	ProjectID int64
	Username  string
	DeviceID  string
	Status    AccountStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionPolicy задаёт настройки одного типа реакции в политике проекта.
// Окно задержки в минутах отсчитывается от времени публикации поста.
type ActionPolicy struct {
	Enabled  bool
	DelayMin int
	DelayMax int
}

// InteractionPolicy — политика реакций проекта. Читается планировщиком,
// изменяется только через явное обновление конфигурации.
type InteractionPolicy struct {
	ID                  int64
	ProjectID           int64
	Enabled             bool
	Like                ActionPolicy
	Comment             ActionPolicy
	Retweet             ActionPolicy
	Follow              ActionPolicy
	DefaultPersona      string
	ReactionProbability int
	MaxReactingAccounts int
	FollowTargetUsers   []string
}

// Action возвращает настройки для указанного типа реакции.
func (p InteractionPolicy) Action(t ActionType) ActionPolicy {
	switch t {
	case ActionLike:
		return p.Like
	case ActionComment:
		return p.Comment
	case ActionRetweet:
		return p.Retweet
	case ActionFollow:
		return p.Follow
	}
	return ActionPolicy{}
}

// AccountRelationship — направленная связь fromAccount → toAccount,
// уникальная для упорядоченной пары внутри проекта. Отсутствие записи
// означает отсутствие настроенной близости: такая пара не планируется.
type AccountRelationship struct {
	ID                     int64
	ProjectID              int64
	FromAccountID          int64
	ToAccountID            int64
	IntimacyLevel          int
	Type                   RelationshipType
	InteractionProbability int
	PreferredReactionTypes []ActionType
	CommentStyle           string
	Notes                  string
	CreatedAt              time.Time
}

// Prefers сообщает, входит ли тип реакции в предпочитаемые для пары.
func (r AccountRelationship) Prefers(t ActionType) bool {
	for _, pref := range r.PreferredReactionTypes {
		if pref == t {
			return true
		}
	}
	return false
}

// PostURL — обнаруженный или вручную зарегистрированный пост.
type PostURL struct {
	ID          int64
	ProjectID   int64
	AccountID   int64
	Username    string
	URL         string
	Text        string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// Interaction — одна запланированная либо выполненная реакция.
// История append-only: записи никогда не удаляются.
type Interaction struct {
	ID             int64
	Type           ActionType
	PostURLID      *int64
	FromAccountID  int64
	TargetUsername string
	Status         InteractionStatus
	ScheduledAt    time.Time
	ClaimedAt      *time.Time
	ExecutedAt     *time.Time
	ErrorMessage   string
	CreatedAt      time.Time
}

// InteractionWithPost — реакция вместе с целевым постом для отображения.
type InteractionWithPost struct {
	Interaction Interaction
	Post        *PostURL
}

// TaskType — тип регулярной задачи.
type TaskType string

const (
	// TaskFollow — регулярная подписка на целевого пользователя.
	TaskFollow TaskType = "follow"
	// TaskUnfollow — регулярная отписка.
	TaskUnfollow TaskType = "unfollow"
	// TaskLike — регулярный лайк целевого поста.
	TaskLike TaskType = "like"
)

// EngagementTask — регулярная задача, управляемая частотой, а не расписанием.
// Frequency — желаемое число выполнений за 24 часа.
type EngagementTask struct {
	ID              int64
	AccountID       int64
	Type            TaskType
	TargetUser      string
	TargetPost      string
	Frequency       int
	IsActive        bool
	ExecutionsToday int
	ExecutionsDate  *time.Time
	LastExecutedAt  *time.Time
	LastError       string
	CreatedAt       time.Time
}

// MinInterval возвращает минимальный интервал между выполнениями задачи,
// равномерно распределяющий Frequency выполнений по суткам.
func (t EngagementTask) MinInterval() time.Duration {
	if t.Frequency <= 0 {
		return 24 * time.Hour
	}
	return 24 * time.Hour / time.Duration(t.Frequency)
}

// FreezeClass — классификация сигнала заморозки.
type FreezeClass string

const (
	// FreezeSuspension — вероятная блокировка аккаунта платформой.
	FreezeSuspension FreezeClass = "suspension"
	// FreezeRateLimit — ограничение частоты запросов.
	FreezeRateLimit FreezeClass = "rate_limit"
	// FreezeBlock — блокировка действия (403 и аналоги).
	FreezeBlock FreezeClass = "block"
	// FreezeNone — сигнал не распознан как заморозка.
	FreezeNone FreezeClass = "none"
)

// FreezeAction — рекомендованное действие авто-ответчика.
type FreezeAction string

const (
	// FreezePauseAccount — заморозить аккаунт до ручного разбора.
	FreezePauseAccount FreezeAction = "pause_account"
	// FreezeCooldown — временная пауза аккаунта.
	FreezeCooldown FreezeAction = "cooldown"
	// FreezeManualReview — отправить аккаунт на ручную проверку.
	FreezeManualReview FreezeAction = "manual_review"
)

// FreezeDetection — зафиксированный сигнал возможной заморозки аккаунта.
type FreezeDetection struct {
	ID                int64
	AccountID         int64
	DeviceID          string
	Signal            string
	Classification    FreezeClass
	RecommendedAction FreezeAction
	CreatedAt         time.Time
}

// DeviceStatus — снимок состояния облачного устройства.
type DeviceStatus struct {
	DeviceID  string
	Online    bool
	State     string
	CheckedAt time.Time
}

// SchedulerStats — агрегатные счётчики для панели управления.
// Счётчики *Today считаются по скользящему окну в 24 часа от "сейчас".
type SchedulerStats struct {
	Pending        int
	Processing     int
	CompletedToday int
	FailedToday    int
}
