package refresher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

// Options — настройки обхода устройств.
type Options struct {
	BatchSize  int
	BatchPause time.Duration
	RetryMax   int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.BatchPause < 0 {
		o.BatchPause = 0
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	return o
}

// Service обновляет кэш статусов устройств. Обход идёт пачками
// фиксированного размера с паузой между пачками, чтобы не упираться
// в лимиты провайдера.
type Service struct {
	accounts domain.AccountRepo
	client   domain.DeviceClient
	cache    domain.DeviceStatusCache
	opts     Options
	log      zerolog.Logger

	// pause подменяется в тестах.
	pause func(ctx context.Context, d time.Duration)
}

// NewService создаёт обновлятор статусов.
func NewService(accounts domain.AccountRepo, client domain.DeviceClient, cache domain.DeviceStatusCache, opts Options, log zerolog.Logger) *Service {
	return &Service{
		accounts: accounts,
		client:   client,
		cache:    cache,
		opts:     opts.withDefaults(),
		log:      log,
		pause:    pause,
	}
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RefreshOnce выполняет один обход всех устройств. Ошибка одного устройства
// не прерывает пачку, ошибка перечисления аккаунтов ретраится с паузой
// ограниченное число раз; цикл никогда не паникует и не останавливает
// последующие обходы.
func (s *Service) RefreshOnce(ctx context.Context) {
	devices, err := s.listDevices(ctx)
	if err != nil {
		metrics.RefresherErrors.Inc()
		s.log.Error().Err(err).Msg("refresher: перечисление аккаунтов не удалось, обход пропущен")
		return
	}
	if len(devices) == 0 {
		return
	}

	refreshed := 0
	for start := 0; start < len(devices); start += s.opts.BatchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + s.opts.BatchSize
		if end > len(devices) {
			end = len(devices)
		}
		refreshed += s.refreshBatch(ctx, devices[start:end])
		if end < len(devices) {
			s.pause(ctx, s.opts.BatchPause)
		}
	}
	s.log.Debug().Int("devices", len(devices)).Int("refreshed", refreshed).Msg("refresher: обход завершён")
}

// listDevices перечисляет уникальные устройства аккаунтов с ретраями.
func (s *Service) listDevices(ctx context.Context) ([]string, error) {
	var (
		accounts []domain.Account
		err      error
	)
	for attempt := 0; attempt < s.opts.RetryMax; attempt++ {
		if attempt > 0 {
			s.pause(ctx, time.Duration(attempt)*time.Second)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		accounts, err = s.accounts.ListAccountsWithDevice()
		if err == nil {
			break
		}
		s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("refresher: ошибка перечисления аккаунтов")
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(accounts))
	var devices []string
	for _, account := range accounts {
		if account.DeviceID == "" || seen[account.DeviceID] {
			continue
		}
		seen[account.DeviceID] = true
		devices = append(devices, account.DeviceID)
	}
	return devices, nil
}

// refreshBatch опрашивает пачку устройств параллельно. Возвращает число
// успешно обновлённых статусов.
func (s *Service) refreshBatch(ctx context.Context, devices []string) int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, deviceID := range devices {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			status, err := s.client.GetDeviceStatus(ctx, deviceID)
			if err != nil {
				metrics.RefresherErrors.Inc()
				s.log.Warn().Err(err).Str("device", deviceID).Msg("refresher: устройство не ответило")
				return
			}
			s.cache.Set(status)
			mu.Lock()
			ok++
			mu.Unlock()
		}(deviceID)
	}
	wg.Wait()
	return ok
}

// Status возвращает статус устройства: из кэша, а при промахе — свежим
// запросом к провайдеру с записью в кэш.
func (s *Service) Status(ctx context.Context, deviceID string) (domain.DeviceStatus, error) {
	if status, ok := s.cache.Get(deviceID); ok {
		return status, nil
	}
	status, err := s.client.GetDeviceStatus(ctx, deviceID)
	if err != nil {
		return domain.DeviceStatus{}, err
	}
	s.cache.Set(status)
	return status, nil
}
