package refresher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sns-autopilot/internal/domain"
)

type stubAccounts struct {
	mu       sync.Mutex
	accounts []domain.Account
	failures int
	calls    int
}

func (s *stubAccounts) ListAccountsWithDevice() ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection refused")
	}
	return s.accounts, nil
}

func (s *stubAccounts) GetAccount(int64) (domain.Account, error) {
	return domain.Account{}, errors.New("not implemented")
}

func (s *stubAccounts) ListProjectAccounts(int64) ([]domain.Account, error) { return nil, nil }

func (s *stubAccounts) UpdateAccountStatus(int64, domain.AccountStatus) error { return nil }

type stubDevice struct {
	mu      sync.Mutex
	polled  []string
	failFor map[string]bool
}

func (s *stubDevice) GetDeviceStatus(_ context.Context, deviceID string) (domain.DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = append(s.polled, deviceID)
	if s.failFor[deviceID] {
		return domain.DeviceStatus{}, errors.New("device offline")
	}
	return domain.DeviceStatus{DeviceID: deviceID, Online: true, CheckedAt: time.Now()}, nil
}

func (s *stubDevice) OpenURL(context.Context, string, string) error     { return nil }
func (s *stubDevice) Tap(context.Context, string, int, int) error       { return nil }
func (s *stubDevice) ScrollDown(context.Context, string) error          { return nil }
func (s *stubDevice) InputText(context.Context, string, string) error   { return nil }
func (s *stubDevice) Screenshot(context.Context, string) ([]byte, error) { return nil, nil }

type memCache struct {
	mu       sync.Mutex
	statuses map[string]domain.DeviceStatus
}

func (m *memCache) Get(deviceID string) (domain.DeviceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[deviceID]
	return status, ok
}

func (m *memCache) Set(status domain.DeviceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = map[string]domain.DeviceStatus{}
	}
	m.statuses[status.DeviceID] = status
}

func (m *memCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.statuses)
}

func accountsWithDevices(devices ...string) []domain.Account {
	var out []domain.Account
	for i, d := range devices {
		out = append(out, domain.Account{ID: int64(i + 1), DeviceID: d, Status: domain.AccountActive})
	}
	return out
}

func newTestService(accounts *stubAccounts, device *stubDevice, cache *memCache, opts Options) *Service {
	svc := NewService(accounts, device, cache, opts, zerolog.Nop())
	svc.pause = func(context.Context, time.Duration) {}
	return svc
}

func TestRefreshOnceFillsCache(t *testing.T) {
	accounts := &stubAccounts{accounts: accountsWithDevices("dev-1", "dev-2", "dev-3")}
	device := &stubDevice{}
	cache := &memCache{}
	svc := newTestService(accounts, device, cache, Options{BatchSize: 2})

	svc.RefreshOnce(context.Background())

	if cache.Len() != 3 {
		t.Fatalf("в кэше %d статусов, ожидали 3", cache.Len())
	}
	if status, ok := cache.Get("dev-2"); !ok || !status.Online {
		t.Fatalf("статус dev-2 не обновлён: %+v", status)
	}
}

func TestRefreshOnceDeduplicatesDevices(t *testing.T) {
	accounts := &stubAccounts{accounts: accountsWithDevices("dev-1", "dev-1", "dev-2")}
	device := &stubDevice{}
	svc := newTestService(accounts, device, &memCache{}, Options{BatchSize: 5})

	svc.RefreshOnce(context.Background())

	if len(device.polled) != 2 {
		t.Fatalf("устройства опрошены %d раз, ожидали 2: %v", len(device.polled), device.polled)
	}
}

func TestRefreshOnceIsolatesDeviceFailure(t *testing.T) {
	accounts := &stubAccounts{accounts: accountsWithDevices("dev-1", "dev-2", "dev-3")}
	device := &stubDevice{failFor: map[string]bool{"dev-2": true}}
	cache := &memCache{}
	svc := newTestService(accounts, device, cache, Options{BatchSize: 2})

	svc.RefreshOnce(context.Background())

	if cache.Len() != 2 {
		t.Fatalf("ожидали 2 статуса несмотря на сбой одного устройства, получили %d", cache.Len())
	}
	if _, ok := cache.Get("dev-2"); ok {
		t.Fatalf("статус сбойного устройства попал в кэш")
	}
}

func TestRefreshOnceRetriesEnumeration(t *testing.T) {
	accounts := &stubAccounts{accounts: accountsWithDevices("dev-1"), failures: 2}
	device := &stubDevice{}
	cache := &memCache{}
	svc := newTestService(accounts, device, cache, Options{RetryMax: 3})

	svc.RefreshOnce(context.Background())

	if accounts.calls != 3 {
		t.Fatalf("перечисление вызвано %d раз, ожидали 3", accounts.calls)
	}
	if cache.Len() != 1 {
		t.Fatalf("после успешного ретрая кэш пуст")
	}
}

func TestRefreshOnceGivesUpAfterRetries(t *testing.T) {
	accounts := &stubAccounts{accounts: accountsWithDevices("dev-1"), failures: 5}
	device := &stubDevice{}
	cache := &memCache{}
	svc := newTestService(accounts, device, cache, Options{RetryMax: 3})

	svc.RefreshOnce(context.Background())

	if accounts.calls != 3 {
		t.Fatalf("перечисление вызвано %d раз, ожидали 3", accounts.calls)
	}
	if cache.Len() != 0 || len(device.polled) != 0 {
		t.Fatalf("обход не должен был запускаться")
	}
}

func TestStatusFetchesOnCacheMiss(t *testing.T) {
	device := &stubDevice{}
	cache := &memCache{}
	svc := newTestService(&stubAccounts{}, device, cache, Options{})

	status, err := svc.Status(context.Background(), "dev-9")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !status.Online || status.DeviceID != "dev-9" {
		t.Fatalf("некорректный статус: %+v", status)
	}
	if len(device.polled) != 1 {
		t.Fatalf("провайдер опрошен %d раз", len(device.polled))
	}

	// Повторный запрос идёт из кэша.
	if _, err := svc.Status(context.Background(), "dev-9"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(device.polled) != 1 {
		t.Fatalf("кэш не использован: %d опросов", len(device.polled))
	}
}
