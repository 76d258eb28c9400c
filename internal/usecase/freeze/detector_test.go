package freeze

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"sns-autopilot/internal/domain"
)

type stubFreezeRepo struct {
	saved []domain.FreezeDetection
	err   error
}

func (s *stubFreezeRepo) SaveFreezeDetection(fd domain.FreezeDetection) (domain.FreezeDetection, error) {
	if s.err != nil {
		return domain.FreezeDetection{}, s.err
	}
	fd.ID = int64(len(s.saved) + 1)
	s.saved = append(s.saved, fd)
	return fd, nil
}

type stubAccountRepo struct {
	statuses map[int64]domain.AccountStatus
}

func (s *stubAccountRepo) GetAccount(int64) (domain.Account, error) {
	return domain.Account{}, errors.New("not implemented")
}

func (s *stubAccountRepo) ListProjectAccounts(int64) ([]domain.Account, error) { return nil, nil }

func (s *stubAccountRepo) ListAccountsWithDevice() ([]domain.Account, error) { return nil, nil }

func (s *stubAccountRepo) UpdateAccountStatus(id int64, status domain.AccountStatus) error {
	if s.statuses == nil {
		s.statuses = map[int64]domain.AccountStatus{}
	}
	s.statuses[id] = status
	return nil
}

type stubQueue struct {
	alerts []domain.FreezeAlert
	err    error
}

func (s *stubQueue) PublishFreezeAlert(_ context.Context, alert domain.FreezeAlert) error {
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

type stubNotifier struct {
	alerts []domain.FreezeAlert
}

func (s *stubNotifier) NotifyFreeze(_ context.Context, alert domain.FreezeAlert) error {
	s.alerts = append(s.alerts, alert)
	return nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		signal string
		class  domain.FreezeClass
		action domain.FreezeAction
	}{
		{"account suspended by platform", domain.FreezeSuspension, domain.FreezePauseAccount},
		{"このアカウントは凍結されています", domain.FreezeSuspension, domain.FreezePauseAccount},
		{"HTTP 429 Too Many Requests", domain.FreezeRateLimit, domain.FreezeCooldown},
		{"request forbidden (403)", domain.FreezeBlock, domain.FreezeManualReview},
		{"screenshot decode failed", domain.FreezeNone, ""},
		{"", domain.FreezeNone, ""},
	}
	for _, tc := range cases {
		class, action := Classify(tc.signal)
		if class != tc.class || action != tc.action {
			t.Fatalf("Classify(%q): получили %s/%s, ожидали %s/%s", tc.signal, class, action, tc.class, tc.action)
		}
	}
}

func TestReportFailureSuspensionFreezesAccount(t *testing.T) {
	freezes := &stubFreezeRepo{}
	accounts := &stubAccountRepo{}
	queue := &stubQueue{}
	notifier := &stubNotifier{}
	detector := NewDetector(freezes, accounts, queue, notifier, zerolog.Nop())

	account := domain.Account{ID: 7, Username: "acct_b", DeviceID: "dev-7", Status: domain.AccountActive}
	class := detector.ReportFailure(context.Background(), account, "Your account has been locked")

	if class != domain.FreezeSuspension {
		t.Fatalf("ожидали suspension, получили %s", class)
	}
	if accounts.statuses[7] != domain.AccountFrozen {
		t.Fatalf("статус аккаунта не стал frozen: %s", accounts.statuses[7])
	}
	if len(freezes.saved) != 1 {
		t.Fatalf("сигнал не сохранён: %d записей", len(freezes.saved))
	}
	if freezes.saved[0].RecommendedAction != domain.FreezePauseAccount {
		t.Fatalf("неверное рекомендованное действие: %s", freezes.saved[0].RecommendedAction)
	}
	if len(queue.alerts) != 1 || len(notifier.alerts) != 1 {
		t.Fatalf("оповещения не разосланы: queue=%d notifier=%d", len(queue.alerts), len(notifier.alerts))
	}
	alert := queue.alerts[0]
	if alert.ID == "" || alert.Severity != domain.AlertSeverityCritical {
		t.Fatalf("некорректное оповещение: id=%q severity=%s", alert.ID, alert.Severity)
	}
}

func TestReportFailureRateLimitPausesAccount(t *testing.T) {
	accounts := &stubAccountRepo{}
	detector := NewDetector(&stubFreezeRepo{}, accounts, nil, nil, zerolog.Nop())

	class := detector.ReportFailure(context.Background(), domain.Account{ID: 3}, "rate limit exceeded")

	if class != domain.FreezeRateLimit {
		t.Fatalf("ожидали rate_limit, получили %s", class)
	}
	if accounts.statuses[3] != domain.AccountPaused {
		t.Fatalf("статус аккаунта не стал paused: %s", accounts.statuses[3])
	}
}

func TestReportFailureUnknownSignalKeepsStatus(t *testing.T) {
	freezes := &stubFreezeRepo{}
	accounts := &stubAccountRepo{}
	detector := NewDetector(freezes, accounts, nil, nil, zerolog.Nop())

	class := detector.ReportFailure(context.Background(), domain.Account{ID: 5}, "device offline")

	if class != domain.FreezeNone {
		t.Fatalf("ожидали none, получили %s", class)
	}
	if len(accounts.statuses) != 0 {
		t.Fatalf("статус аккаунта не должен меняться: %v", accounts.statuses)
	}
	if len(freezes.saved) != 0 {
		t.Fatalf("непризнанный сигнал не должен сохраняться: %d записей", len(freezes.saved))
	}
}

func TestReportFailureQueueErrorDoesNotBlockEscalation(t *testing.T) {
	accounts := &stubAccountRepo{}
	queue := &stubQueue{err: errors.New("connection closed")}
	detector := NewDetector(&stubFreezeRepo{}, accounts, queue, nil, zerolog.Nop())

	detector.ReportFailure(context.Background(), domain.Account{ID: 9}, "forbidden")

	if accounts.statuses[9] != domain.AccountReview {
		t.Fatalf("статус аккаунта не стал review: %s", accounts.statuses[9])
	}
}
