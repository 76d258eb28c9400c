package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sns-autopilot/internal/adapters/executor"
	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/usecase/freeze"
)

type memStore struct {
	mu         sync.Mutex
	items      map[int64]*domain.Interaction
	stuckCalls []time.Time
}

func newMemStore(items ...domain.Interaction) *memStore {
	m := &memStore{items: map[int64]*domain.Interaction{}}
	for i := range items {
		item := items[i]
		m.items[item.ID] = &item
	}
	return m
}

func (m *memStore) get(id int64) domain.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memStore) CreateInteractions(context.Context, []domain.Interaction) (int, error) {
	return 0, nil
}

func (m *memStore) ListDue(now time.Time, limit int) ([]domain.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.Interaction
	for _, item := range m.items {
		if item.Status == domain.InteractionPending && !item.ScheduledAt.After(now) {
			due = append(due, *item)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (m *memStore) ClaimInteraction(id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != domain.InteractionPending {
		return false, nil
	}
	item.Status = domain.InteractionProcessing
	item.ClaimedAt = &now
	return true, nil
}

func (m *memStore) CompleteInteraction(id int64, executedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[id]
	if item.Status != domain.InteractionProcessing {
		return errors.New("завершение без захвата")
	}
	item.Status = domain.InteractionCompleted
	item.ExecutedAt = &executedAt
	return nil
}

func (m *memStore) FailInteraction(id int64, executedAt time.Time, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[id]
	if item.Status != domain.InteractionProcessing {
		return errors.New("провал без захвата")
	}
	item.Status = domain.InteractionFailed
	item.ExecutedAt = &executedAt
	item.ErrorMessage = errorMessage
	return nil
}

func (m *memStore) FailStuckInteractions(claimedBefore time.Time, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuckCalls = append(m.stuckCalls, claimedBefore)
	return 0, nil
}

func (m *memStore) InteractionStats(*int64, time.Time) (domain.SchedulerStats, error) {
	return domain.SchedulerStats{}, nil
}

func (m *memStore) ListUpcoming(time.Time, int) ([]domain.InteractionWithPost, error) {
	return nil, nil
}

func (m *memStore) ListRecent(time.Time, int) ([]domain.InteractionWithPost, error) {
	return nil, nil
}

type memTasks struct {
	mu       sync.Mutex
	due      []domain.EngagementTask
	claimed  map[int64]bool
	executed []int64
	failed   map[int64]string
}

func (m *memTasks) ListDueTasks(time.Time) ([]domain.EngagementTask, error) { return m.due, nil }

// ClaimTask воспроизводит условный UPDATE: пока интервал не истёк,
// повторный захват той же задачи возвращает false.
func (m *memTasks) ClaimTask(id int64, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed[id] {
		return false, nil
	}
	if m.claimed == nil {
		m.claimed = map[int64]bool{}
	}
	m.claimed[id] = true
	return true, nil
}

func (m *memTasks) MarkTaskExecuted(id int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, id)
	return nil
}

func (m *memTasks) MarkTaskFailed(id int64, _ time.Time, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = map[int64]string{}
	}
	m.failed[id] = errorMessage
	return nil
}

type stubAccounts struct {
	mu       sync.Mutex
	accounts map[int64]domain.Account
	statuses map[int64]domain.AccountStatus
}

func (s *stubAccounts) GetAccount(id int64) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, errors.New("аккаунт не найден")
	}
	return account, nil
}

func (s *stubAccounts) ListProjectAccounts(int64) ([]domain.Account, error) { return nil, nil }
func (s *stubAccounts) ListAccountsWithDevice() ([]domain.Account, error)   { return nil, nil }

func (s *stubAccounts) UpdateAccountStatus(id int64, status domain.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = map[int64]domain.AccountStatus{}
	}
	s.statuses[id] = status
	return nil
}

type stubPolicies struct {
	policy domain.InteractionPolicy
}

func (s *stubPolicies) GetPolicy(int64) (domain.InteractionPolicy, error) { return s.policy, nil }

type stubRelationships struct{}

func (stubRelationships) ListRelationshipsTo(int64, int64) ([]domain.AccountRelationship, error) {
	return nil, nil
}

func (stubRelationships) GetRelationship(int64, int64, int64) (domain.AccountRelationship, error) {
	return domain.AccountRelationship{CommentStyle: "casual"}, nil
}

func (stubRelationships) BulkInitRelationships(int64, domain.AccountRelationship) (int, error) {
	return 0, nil
}

func (stubRelationships) DeleteRelationship(int64) error { return nil }

type stubPosts struct {
	posts map[int64]domain.PostURL
}

func (s *stubPosts) GetPostURL(id int64) (domain.PostURL, error) {
	post, ok := s.posts[id]
	if !ok {
		return domain.PostURL{}, errors.New("пост не найден")
	}
	return post, nil
}

func (s *stubPosts) SavePostURL(post domain.PostURL) (domain.PostURL, error) { return post, nil }

type stubFreezeRepo struct{}

func (stubFreezeRepo) SaveFreezeDetection(fd domain.FreezeDetection) (domain.FreezeDetection, error) {
	return fd, nil
}

type fakeExecutor struct {
	mu     sync.Mutex
	action domain.ActionType
	errs   []error
	calls  []executor.Request
}

func (f *fakeExecutor) Type() domain.ActionType { return f.action }

func (f *fakeExecutor) Execute(_ context.Context, req executor.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store     *memStore
	tasks     *memTasks
	accounts  *stubAccounts
	like      *fakeExecutor
	follow    *fakeExecutor
	scheduler *Scheduler
}

func newFixture(store *memStore, tasks *memTasks) *fixture {
	accounts := &stubAccounts{accounts: map[int64]domain.Account{
		2: {ID: 2, ProjectID: 1, Username: "acct_b", DeviceID: "dev-2", Status: domain.AccountActive},
	}}
	policy := domain.InteractionPolicy{
		Enabled:        true,
		Like:           domain.ActionPolicy{Enabled: true},
		DefaultPersona: "дружелюбный фотограф",
	}
	posts := &stubPosts{posts: map[int64]domain.PostURL{
		10: {ID: 10, ProjectID: 1, AccountID: 1, Username: "acct_a", URL: "https://x.com/acct_a/status/1"},
	}}
	like := &fakeExecutor{action: domain.ActionLike}
	follow := &fakeExecutor{action: domain.ActionFollow}
	detector := freeze.NewDetector(stubFreezeRepo{}, accounts, nil, nil, zerolog.Nop())
	scheduler := NewScheduler(store, tasks, accounts, &stubPolicies{policy: policy}, stubRelationships{}, posts,
		map[domain.ActionType]executor.ActionExecutor{domain.ActionLike: like, domain.ActionFollow: follow},
		detector, nil, Options{Workers: 1, RetryMax: 2}, zerolog.Nop())
	scheduler.pace = func(context.Context, time.Duration) error { return nil }
	return &fixture{store: store, tasks: tasks, accounts: accounts, like: like, follow: follow, scheduler: scheduler}
}

func pastLike(id int64) domain.Interaction {
	postID := int64(10)
	return domain.Interaction{
		ID:            id,
		Type:          domain.ActionLike,
		PostURLID:     &postID,
		FromAccountID: 2,
		Status:        domain.InteractionPending,
		ScheduledAt:   time.Now().UTC().Add(-time.Minute),
	}
}

func TestDispatchOnceExecutesDueInteraction(t *testing.T) {
	f := newFixture(newMemStore(pastLike(1)), &memTasks{})

	if err := f.scheduler.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	item := f.store.get(1)
	if item.Status != domain.InteractionCompleted {
		t.Fatalf("ожидали completed, получили %s: %s", item.Status, item.ErrorMessage)
	}
	if item.ExecutedAt == nil || item.ClaimedAt == nil {
		t.Fatalf("не проставлены отметки времени: %+v", item)
	}
	if f.like.callCount() != 1 {
		t.Fatalf("исполнитель вызван %d раз", f.like.callCount())
	}
	req := f.like.calls[0]
	if req.Post == nil || req.Post.ID != 10 || req.Persona == "" {
		t.Fatalf("контекст реакции собран неверно: %+v", req)
	}
}

func TestDispatchOnceRunsWatchdog(t *testing.T) {
	f := newFixture(newMemStore(), &memTasks{})

	before := time.Now().UTC()
	if err := f.scheduler.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(f.store.stuckCalls) != 1 {
		t.Fatalf("watchdog не запускался: %d вызовов", len(f.store.stuckCalls))
	}
	cutoff := f.store.stuckCalls[0]
	if cutoff.After(before.Add(-9 * time.Minute)) {
		t.Fatalf("окно захвата слишком узкое: %s", before.Sub(cutoff))
	}
}

func TestDispatchSkipsScheduledInFuture(t *testing.T) {
	item := pastLike(1)
	item.ScheduledAt = time.Now().UTC().Add(time.Hour)
	f := newFixture(newMemStore(item), &memTasks{})

	if err := f.scheduler.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if f.like.callCount() != 0 {
		t.Fatalf("будущая реакция выполнена раньше времени")
	}
	if got := f.store.get(1); got.Status != domain.InteractionPending {
		t.Fatalf("статус изменился: %s", got.Status)
	}
}

func TestInactiveAccountFailsWithoutProviderCall(t *testing.T) {
	f := newFixture(newMemStore(pastLike(1)), &memTasks{})
	f.accounts.accounts[2] = domain.Account{ID: 2, ProjectID: 1, Username: "acct_b", DeviceID: "dev-2", Status: domain.AccountPaused}

	if err := f.scheduler.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	item := f.store.get(1)
	if item.Status != domain.InteractionFailed {
		t.Fatalf("ожидали failed, получили %s", item.Status)
	}
	if item.ErrorMessage == "" {
		t.Fatalf("текст ошибки не сохранён")
	}
	if f.like.callCount() != 0 {
		t.Fatalf("провайдер вызван для неактивного аккаунта")
	}
}

func TestTransientErrorRetried(t *testing.T) {
	f := newFixture(newMemStore(pastLike(1)), &memTasks{})
	f.like.errs = []error{errors.New("request timeout")}

	if err := f.scheduler.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if f.like.callCount() != 2 {
		t.Fatalf("ожидали повтор после временной ошибки, вызовов: %d", f.like.callCount())
	}
	if got := f.store.get(1); got.Status != domain.InteractionCompleted {
		t.Fatalf("ожидали completed, получили %s: %s", got.Status, got.ErrorMessage)
	}
}

func TestSuspensionErrorEscalatesAccount(t *testing.T) {
	f := newFixture(newMemStore(pastLike(1)), &memTasks{})
	f.like.errs = []error{errors.New("account suspended")}

	if err := f.scheduler.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if f.like.callCount() != 1 {
		t.Fatalf("постоянная ошибка не должна ретраиться, вызовов: %d", f.like.callCount())
	}
	item := f.store.get(1)
	if item.Status != domain.InteractionFailed || item.ErrorMessage != "account suspended" {
		t.Fatalf("ошибка не сохранена дословно: %+v", item)
	}
	if f.accounts.statuses[2] != domain.AccountFrozen {
		t.Fatalf("аккаунт не заморожен: %s", f.accounts.statuses[2])
	}
}

func TestClaimedInteractionNotDoubleExecuted(t *testing.T) {
	item := pastLike(1)
	item.Status = domain.InteractionProcessing
	f := newFixture(newMemStore(item), &memTasks{})

	// ListDue такую строку не вернёт, но даже прямой вызов не захватит её
	// повторно.
	f.scheduler.executeInteraction(context.Background(), item)
	if f.like.callCount() != 0 {
		t.Fatalf("захваченная реакция выполнена повторно")
	}
}

func TestTasksOnceExecutesFollowTask(t *testing.T) {
	tasks := &memTasks{due: []domain.EngagementTask{{
		ID: 5, AccountID: 2, Type: domain.TaskFollow, TargetUser: "influencer_x", Frequency: 3, IsActive: true,
	}}}
	f := newFixture(newMemStore(), tasks)

	if err := f.scheduler.TasksOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if f.follow.callCount() != 1 {
		t.Fatalf("исполнитель подписки вызван %d раз", f.follow.callCount())
	}
	if f.follow.calls[0].TargetUsername != "influencer_x" {
		t.Fatalf("неверная цель подписки: %+v", f.follow.calls[0])
	}
	if len(tasks.executed) != 1 || tasks.executed[0] != 5 {
		t.Fatalf("выполнение задачи не отмечено: %v", tasks.executed)
	}
}

func TestTasksOnceRecordsFailureVerbatim(t *testing.T) {
	tasks := &memTasks{due: []domain.EngagementTask{{
		ID: 5, AccountID: 2, Type: domain.TaskFollow, TargetUser: "influencer_x", Frequency: 3, IsActive: true,
	}}}
	f := newFixture(newMemStore(), tasks)
	f.follow.errs = []error{errors.New("device offline: dev-2")}

	if err := f.scheduler.TasksOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if tasks.failed[5] != "device offline: dev-2" {
		t.Fatalf("ошибка задачи не сохранена дословно: %q", tasks.failed[5])
	}
	if len(tasks.executed) != 0 {
		t.Fatalf("проваленная задача отмечена выполненной")
	}
}

func TestTasksOnceClaimExcludesSecondDispatcher(t *testing.T) {
	tasks := &memTasks{due: []domain.EngagementTask{{
		ID: 5, AccountID: 2, Type: domain.TaskFollow, TargetUser: "influencer_x", Frequency: 1, IsActive: true,
	}}}
	first := newFixture(newMemStore(), tasks)
	second := newFixture(newMemStore(), tasks)

	if err := first.scheduler.TasksOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if err := second.scheduler.TasksOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if got := first.follow.callCount() + second.follow.callCount(); got != 1 {
		t.Fatalf("задача выполнена %d раз двумя диспетчерами", got)
	}
	if len(tasks.executed) != 1 {
		t.Fatalf("выполнение отмечено %d раз: %v", len(tasks.executed), tasks.executed)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(newMemStore(), &memTasks{})
	f.scheduler.opts.DispatchInterval = time.Hour
	f.scheduler.opts.TaskInterval = time.Hour
	f.scheduler.opts.RefreshInterval = time.Hour

	if f.scheduler.Running() {
		t.Fatalf("диспетчер запущен до Start")
	}
	f.scheduler.Start(context.Background())
	f.scheduler.Start(context.Background())
	if !f.scheduler.Running() {
		t.Fatalf("диспетчер не запустился")
	}
	f.scheduler.Stop()
	f.scheduler.Stop()
	if f.scheduler.Running() {
		t.Fatalf("диспетчер не остановился")
	}
}
