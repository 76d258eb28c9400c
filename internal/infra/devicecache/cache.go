package devicecache

import (
	"sort"
	"sync"
	"time"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

const (
	defaultTTL        = 45 * time.Second
	defaultMaxEntries = 500
)

type entry struct {
	status    domain.DeviceStatus
	fetchedAt time.Time
}

// Cache — ограниченный in-memory кэш статусов устройств с TTL.
// Содержимое эфемерно: потеря при рестарте безопасна, записи идемпотентны,
// последняя запись по ключу выигрывает.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

var _ domain.DeviceStatusCache = (*Cache)(nil)

// New создаёт кэш с указанным TTL и максимальным числом записей.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get возвращает статус устройства. Протухшая запись неотличима от
// отсутствующей: вызывающий обязан сходить за свежим статусом.
func (c *Cache) Get(deviceID string) (domain.DeviceStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[deviceID]
	if !ok || c.now().Sub(e.fetchedAt) > c.ttl {
		if ok {
			delete(c.entries, deviceID)
		}
		metrics.DeviceCacheMisses.Inc()
		return domain.DeviceStatus{}, false
	}
	metrics.DeviceCacheHits.Inc()
	return e.status, true
}

// Set сохраняет статус устройства, при переполнении освобождая место.
func (c *Cache) Set(status domain.DeviceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[status.DeviceID]; !exists && len(c.entries) >= c.maxEntries {
		c.evict()
	}
	c.entries[status.DeviceID] = entry{status: status, fetchedAt: c.now()}
}

// Len возвращает текущее число записей, включая протухшие.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evict сначала выбрасывает протухшие записи; если кэш всё ещё полон,
// удаляет четверть самых старых по времени получения.
func (c *Cache) evict() {
	now := c.now()
	for id, e := range c.entries {
		if now.Sub(e.fetchedAt) > c.ttl {
			delete(c.entries, id)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	type aged struct {
		id        string
		fetchedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for id, e := range c.entries {
		all = append(all, aged{id: id, fetchedAt: e.fetchedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].fetchedAt.Before(all[j].fetchedAt) })

	drop := len(all) / 4
	if drop < 1 {
		drop = 1
	}
	for _, victim := range all[:drop] {
		delete(c.entries, victim.id)
	}
}
