package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sns-autopilot/internal/adapters/executor"
	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
	"sns-autopilot/internal/usecase/freeze"
)

// stuckError пишется в строки, зависшие в processing дольше окна захвата.
const stuckError = "захват истёк: диспетчер не завершил выполнение"

// Refresher обновляет статусы устройств. Реализуется usecase/refresher.
type Refresher interface {
	RefreshOnce(ctx context.Context)
}

// Options — настройки фоновых циклов диспетчера.
type Options struct {
	DispatchInterval time.Duration
	RefreshInterval  time.Duration
	TaskInterval     time.Duration
	Workers          int
	BatchLimit       int
	ClaimTimeout     time.Duration
	RetryMax         int
}

// withDefaults заполняет нулевые настройки значениями по умолчанию.
func (o Options) withDefaults() Options {
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = 30 * time.Second
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Minute
	}
	if o.TaskInterval <= 0 {
		o.TaskInterval = 5 * time.Minute
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 50
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 10 * time.Minute
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 2
	}
	return o
}

// Scheduler выполняет назревшие реакции и регулярные задачи.
// Жизненный цикл управляется явно: Start/Stop идемпотентны.
type Scheduler struct {
	interactions  domain.InteractionRepo
	tasks         domain.EngagementTaskRepo
	accounts      domain.AccountRepo
	policies      domain.PolicyRepo
	relationships domain.RelationshipRepo
	posts         domain.PostRepo
	executors     map[domain.ActionType]executor.ActionExecutor
	detector      *freeze.Detector
	refresher     Refresher
	opts          Options
	log           zerolog.Logger

	// intn и pace подменяются в тестах.
	intn func(n int) int
	pace func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler создаёт диспетчер. refresher может быть nil — тогда цикл
// обновления устройств не запускается.
func NewScheduler(
	interactions domain.InteractionRepo,
	tasks domain.EngagementTaskRepo,
	accounts domain.AccountRepo,
	policies domain.PolicyRepo,
	relationships domain.RelationshipRepo,
	posts domain.PostRepo,
	executors map[domain.ActionType]executor.ActionExecutor,
	detector *freeze.Detector,
	refresher Refresher,
	opts Options,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		interactions:  interactions,
		tasks:         tasks,
		accounts:      accounts,
		policies:      policies,
		relationships: relationships,
		posts:         posts,
		executors:     executors,
		detector:      detector,
		refresher:     refresher,
		opts:          opts.withDefaults(),
		log:           log,
		intn:          rand.Intn,
		pace:          sleep,
	}
}

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

// Start запускает фоновые циклы. Повторный Start работающего диспетчера —
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx)
	s.log.Info().
		Dur("dispatch", s.opts.DispatchInterval).
		Dur("tasks", s.opts.TaskInterval).
		Msg("scheduler: запущен")
}

// Stop останавливает циклы и дожидается завершения текущего. Повторный
// Stop — no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info().Msg("scheduler: остановлен")
}

// Running сообщает, запущены ли фоновые циклы.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run крутит тикеры до отмены контекста. Ошибка одного цикла логируется
// и не останавливает следующие: интервал тикера служит паузой перед
// повторной попыткой при недоступном хранилище.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	dispatch := time.NewTicker(s.opts.DispatchInterval)
	defer dispatch.Stop()
	tasks := time.NewTicker(s.opts.TaskInterval)
	defer tasks.Stop()
	refresh := time.NewTicker(s.opts.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatch.C:
			if err := s.DispatchOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("scheduler: цикл реакций прерван")
			}
		case <-tasks.C:
			if err := s.TasksOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("scheduler: цикл задач прерван")
			}
		case <-refresh.C:
			if s.refresher != nil {
				s.refresher.RefreshOnce(ctx)
			}
		}
	}
}

// DispatchOnce выполняет один цикл: добивает зависшие захваты, выбирает
// назревшие реакции и прогоняет их через пул воркеров. Ошибки отдельных
// реакций изолированы, возвращается только ошибка выборки.
func (s *Scheduler) DispatchOnce(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.DispatchCycleSeconds.Observe(time.Since(started).Seconds())
	}()

	now := time.Now().UTC()
	if failed, err := s.interactions.FailStuckInteractions(now.Add(-s.opts.ClaimTimeout), stuckError); err != nil {
		s.log.Error().Err(err).Msg("scheduler: не удалось добить зависшие захваты")
	} else if failed > 0 {
		s.log.Warn().Int("count", failed).Msg("scheduler: добиты зависшие захваты")
	}

	due, err := s.interactions.ListDue(now, s.opts.BatchLimit)
	if err != nil {
		return fmt.Errorf("выборка назревших реакций: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	queue := make(chan domain.Interaction)
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				s.executeInteraction(ctx, item)
			}
		}()
	}
	for _, item := range due {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return ctx.Err()
		case queue <- item:
		}
	}
	close(queue)
	wg.Wait()
	return nil
}

// executeInteraction ведёт одну реакцию по машине состояний
// pending → processing → completed/failed.
func (s *Scheduler) executeInteraction(ctx context.Context, item domain.Interaction) {
	claimed, err := s.interactions.ClaimInteraction(item.ID, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Int64("interaction", item.ID).Msg("scheduler: ошибка захвата")
		return
	}
	if !claimed {
		return
	}

	account, failure := s.prepareAccount(item)
	if failure == nil {
		failure = s.performInteraction(ctx, item, account)
	}

	now := time.Now().UTC()
	if failure == nil {
		if err := s.interactions.CompleteInteraction(item.ID, now); err != nil {
			s.log.Error().Err(err).Int64("interaction", item.ID).Msg("scheduler: не удалось закрыть реакцию")
			return
		}
		metrics.InteractionsExecuted.WithLabelValues(string(item.Type), "completed").Inc()
		s.log.Info().Int64("interaction", item.ID).Str("type", string(item.Type)).Msg("scheduler: реакция выполнена")
		return
	}

	if err := s.interactions.FailInteraction(item.ID, now, failure.Error()); err != nil {
		s.log.Error().Err(err).Int64("interaction", item.ID).Msg("scheduler: не удалось записать ошибку")
	}
	metrics.InteractionsExecuted.WithLabelValues(string(item.Type), "failed").Inc()
	s.log.Warn().Err(failure).Int64("interaction", item.ID).Str("type", string(item.Type)).Msg("scheduler: реакция провалена")
	if s.detector != nil && account.ID != 0 {
		s.detector.ReportFailure(ctx, account, failure.Error())
	}
}

// prepareAccount проверяет предусловия выполнения. Ошибка предусловия
// не ретраится: до провайдера дело не доходит.
func (s *Scheduler) prepareAccount(item domain.Interaction) (domain.Account, error) {
	account, err := s.accounts.GetAccount(item.FromAccountID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("получение аккаунта: %w", err)
	}
	if account.Status != domain.AccountActive {
		return account, fmt.Errorf("аккаунт %s не активен: %s", account.Username, account.Status)
	}
	if account.DeviceID == "" {
		return account, fmt.Errorf("у аккаунта %s нет устройства", account.Username)
	}
	return account, nil
}

// performInteraction собирает контекст реакции, выдерживает темп и зовёт
// исполнителя с повторами на временных ошибках провайдера.
func (s *Scheduler) performInteraction(ctx context.Context, item domain.Interaction, account domain.Account) error {
	exec, ok := s.executors[item.Type]
	if !ok {
		return fmt.Errorf("нет исполнителя для типа %s", item.Type)
	}
	policy, err := s.policies.GetPolicy(account.ProjectID)
	if err != nil {
		return fmt.Errorf("получение политики: %w", err)
	}

	req := executor.Request{
		Account:        account,
		TargetUsername: item.TargetUsername,
		Persona:        policy.DefaultPersona,
	}
	if item.PostURLID != nil {
		post, err := s.posts.GetPostURL(*item.PostURLID)
		if err != nil {
			return fmt.Errorf("получение поста: %w", err)
		}
		req.Post = &post
		if rel, err := s.relationships.GetRelationship(account.ProjectID, account.ID, post.AccountID); err == nil {
			req.CommentStyle = rel.CommentStyle
		}
	}

	if err := s.pace(ctx, s.pacingDelay(policy.Action(item.Type))); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.RetryMax; attempt++ {
		if attempt > 0 {
			if err := s.pace(ctx, time.Duration(attempt)*time.Second); err != nil {
				return err
			}
		}
		lastErr = exec.Execute(ctx, req)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// pacingDelay размазывает выполнение внутри цикла: окно политики в минутах
// переиспользуется как диапазон в секундах, чтобы одновременно назревшие
// реакции не били в провайдера залпом.
func (s *Scheduler) pacingDelay(ap domain.ActionPolicy) time.Duration {
	max := ap.DelayMax
	if max < ap.DelayMin {
		max = ap.DelayMin
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(ap.DelayMin+s.intn(max-ap.DelayMin+1)) * time.Second
}

// isTransient распознаёт временные ошибки провайдера, пригодные для повтора.
// Ограничение частоты сюда намеренно не входит: его обрабатывает детектор
// заморозок паузой аккаунта, а не немедленным повтором.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporarily",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// TasksOnce выполняет один проход по назревшим регулярным задачам.
func (s *Scheduler) TasksOnce(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.tasks.ListDueTasks(now)
	if err != nil {
		return fmt.Errorf("выборка назревших задач: %w", err)
	}
	for _, task := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.executeTask(ctx, task)
	}
	return nil
}

// executeTask выполняет одну регулярную задачу. Выполнению предшествует
// атомарный захват, поэтому параллельный диспетчер ту же задачу не возьмёт.
// Подписка и отписка идут через профиль цели: повторный тап по кнопке
// подписки снимает её.
func (s *Scheduler) executeTask(ctx context.Context, task domain.EngagementTask) {
	claimed, err := s.tasks.ClaimTask(task.ID, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Int64("task", task.ID).Msg("scheduler: ошибка захвата задачи")
		return
	}
	if !claimed {
		return
	}

	account, failure := s.taskAccount(task)
	if failure == nil {
		failure = s.performTask(ctx, task, account)
	}

	now := time.Now().UTC()
	if failure == nil {
		if err := s.tasks.MarkTaskExecuted(task.ID, now); err != nil {
			s.log.Error().Err(err).Int64("task", task.ID).Msg("scheduler: не удалось отметить задачу")
		}
		metrics.InteractionsExecuted.WithLabelValues(string(task.Type), "completed").Inc()
		s.log.Info().Int64("task", task.ID).Str("type", string(task.Type)).Msg("scheduler: задача выполнена")
		return
	}

	if err := s.tasks.MarkTaskFailed(task.ID, now, failure.Error()); err != nil {
		s.log.Error().Err(err).Int64("task", task.ID).Msg("scheduler: не удалось записать ошибку задачи")
	}
	metrics.InteractionsExecuted.WithLabelValues(string(task.Type), "failed").Inc()
	s.log.Warn().Err(failure).Int64("task", task.ID).Str("type", string(task.Type)).Msg("scheduler: задача провалена")
	if s.detector != nil && account.ID != 0 {
		s.detector.ReportFailure(ctx, account, failure.Error())
	}
}

func (s *Scheduler) taskAccount(task domain.EngagementTask) (domain.Account, error) {
	account, err := s.accounts.GetAccount(task.AccountID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("получение аккаунта: %w", err)
	}
	if account.Status != domain.AccountActive {
		return account, fmt.Errorf("аккаунт %s не активен: %s", account.Username, account.Status)
	}
	if account.DeviceID == "" {
		return account, fmt.Errorf("у аккаунта %s нет устройства", account.Username)
	}
	return account, nil
}

func (s *Scheduler) performTask(ctx context.Context, task domain.EngagementTask, account domain.Account) error {
	req := executor.Request{Account: account}
	var action domain.ActionType
	switch task.Type {
	case domain.TaskFollow, domain.TaskUnfollow:
		action = domain.ActionFollow
		req.TargetUsername = task.TargetUser
	case domain.TaskLike:
		action = domain.ActionLike
		if task.TargetPost == "" {
			return executor.ErrNoPost
		}
		req.Post = &domain.PostURL{URL: task.TargetPost}
	default:
		return fmt.Errorf("неизвестный тип задачи %s", task.Type)
	}
	exec, ok := s.executors[action]
	if !ok {
		return fmt.Errorf("нет исполнителя для типа %s", action)
	}
	return exec.Execute(ctx, req)
}

// Stats возвращает агрегатные счётчики реакций.
func (s *Scheduler) Stats(projectID *int64) (domain.SchedulerStats, error) {
	return s.interactions.InteractionStats(projectID, time.Now().UTC())
}

// Upcoming возвращает ближайшие pending-реакции.
func (s *Scheduler) Upcoming(limit int) ([]domain.InteractionWithPost, error) {
	return s.interactions.ListUpcoming(time.Now().UTC(), limit)
}

// Recent возвращает завершённые и проваленные реакции за последние сутки.
func (s *Scheduler) Recent(limit int) ([]domain.InteractionWithPost, error) {
	return s.interactions.ListRecent(time.Now().UTC().Add(-24*time.Hour), limit)
}
