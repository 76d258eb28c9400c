package domain

import (
	"context"
	"time"
)

// FreezeAlertSeverity описывает серьёзность уведомления о заморозке.
type FreezeAlertSeverity string

const (
	// AlertSeverityCritical — вероятная блокировка аккаунта.
	AlertSeverityCritical FreezeAlertSeverity = "critical"
	// AlertSeverityWarning — ограничение частоты или блокировка действия.
	AlertSeverityWarning FreezeAlertSeverity = "warning"
)

// FreezeAlert — событие заморозки для внешних потребителей (панель, нотификации).
type FreezeAlert struct {
	ID                string              `json:"alert_id"`
	AccountID         int64               `json:"account_id"`
	AccountUsername   string              `json:"account_username,omitempty"`
	DeviceID          string              `json:"device_id,omitempty"`
	Classification    FreezeClass         `json:"classification"`
	RecommendedAction FreezeAction        `json:"recommended_action"`
	Severity          FreezeAlertSeverity `json:"severity"`
	Signal            string              `json:"signal"`
	DetectedAt        time.Time           `json:"detected_at"`
}

// AlertQueue публикует события заморозки во внешнюю очередь.
type AlertQueue interface {
	PublishFreezeAlert(ctx context.Context, alert FreezeAlert) error
}

// AlertNotifier доставляет уведомление о заморозке оператору.
type AlertNotifier interface {
	NotifyFreeze(ctx context.Context, alert FreezeAlert) error
}
