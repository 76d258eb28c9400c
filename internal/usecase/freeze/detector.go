package freeze

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

// Сигнатуры ищутся подстрокой без учёта регистра. Японские тексты приходят
// из скриншотного OCR провайдера и в нижний регистр не приводятся.
var (
	suspensionSignals = []string{
		"suspended",
		"account locked",
		"account has been locked",
		"アカウントは凍結",
		"凍結されています",
	}
	rateLimitSignals = []string{
		"rate limit",
		"too many requests",
		"429",
		"しばらくしてから",
	}
	blockSignals = []string{
		"blocked",
		"forbidden",
		"403",
	}
)

// Classify сопоставляет текст ошибки со списками сигнатур и возвращает
// класс сигнала с рекомендованным действием. Порядок проверки фиксирован:
// заморозка аккаунта сильнее ограничения частоты.
func Classify(signal string) (domain.FreezeClass, domain.FreezeAction) {
	lower := strings.ToLower(signal)
	match := func(patterns []string) bool {
		for _, p := range patterns {
			if strings.Contains(lower, strings.ToLower(p)) {
				return true
			}
		}
		return false
	}
	switch {
	case match(suspensionSignals):
		return domain.FreezeSuspension, domain.FreezePauseAccount
	case match(rateLimitSignals):
		return domain.FreezeRateLimit, domain.FreezeCooldown
	case match(blockSignals):
		return domain.FreezeBlock, domain.FreezeManualReview
	}
	return domain.FreezeNone, ""
}

// Detector классифицирует ошибки выполнения и применяет рекомендованное
// действие к статусу аккаунта, выводя его из пула планировщика.
type Detector struct {
	freezes  domain.FreezeRepo
	accounts domain.AccountRepo
	queue    domain.AlertQueue
	notifier domain.AlertNotifier
	log      zerolog.Logger
}

// NewDetector создаёт детектор. queue и notifier могут быть nil —
// тогда соответствующий канал оповещения отключён.
func NewDetector(freezes domain.FreezeRepo, accounts domain.AccountRepo, queue domain.AlertQueue, notifier domain.AlertNotifier, log zerolog.Logger) *Detector {
	return &Detector{freezes: freezes, accounts: accounts, queue: queue, notifier: notifier, log: log}
}

// statusFor сопоставляет рекомендованное действие операционному статусу.
func statusFor(action domain.FreezeAction) domain.AccountStatus {
	switch action {
	case domain.FreezePauseAccount:
		return domain.AccountFrozen
	case domain.FreezeCooldown:
		return domain.AccountPaused
	case domain.FreezeManualReview:
		return domain.AccountReview
	}
	return ""
}

func severityFor(class domain.FreezeClass) domain.FreezeAlertSeverity {
	if class == domain.FreezeSuspension {
		return domain.AlertSeverityCritical
	}
	return domain.AlertSeverityWarning
}

// ReportFailure обрабатывает ошибку выполнения реакции. Возвращает
// классификацию сигнала; domain.FreezeNone означает, что ошибка не похожа
// на заморозку и статус аккаунта не менялся.
//
// Доставка оповещений best-effort: сбой очереди или нотификатора
// логируется, но не отменяет смену статуса аккаунта.
func (d *Detector) ReportFailure(ctx context.Context, account domain.Account, signal string) domain.FreezeClass {
	class, action := Classify(signal)
	if class == domain.FreezeNone {
		return class
	}
	metrics.FreezeDetections.WithLabelValues(string(class)).Inc()

	detection := domain.FreezeDetection{
		AccountID:         account.ID,
		DeviceID:          account.DeviceID,
		Signal:            signal,
		Classification:    class,
		RecommendedAction: action,
	}
	saved, err := d.freezes.SaveFreezeDetection(detection)
	if err != nil {
		d.log.Error().Err(err).Int64("account", account.ID).Msg("freeze: не удалось сохранить сигнал")
		saved = detection
	}

	status := statusFor(action)
	if err := d.accounts.UpdateAccountStatus(account.ID, status); err != nil {
		d.log.Error().Err(err).Int64("account", account.ID).Msg("freeze: не удалось обновить статус аккаунта")
	} else {
		d.log.Warn().
			Int64("account", account.ID).
			Str("class", string(class)).
			Str("status", string(status)).
			Msg("freeze: аккаунт выведен из пула")
	}

	alert := domain.FreezeAlert{
		ID:                uuid.NewString(),
		AccountID:         account.ID,
		AccountUsername:   account.Username,
		DeviceID:          account.DeviceID,
		Classification:    class,
		RecommendedAction: action,
		Severity:          severityFor(class),
		Signal:            signal,
		DetectedAt:        saved.CreatedAt,
	}
	if alert.DetectedAt.IsZero() {
		alert.DetectedAt = time.Now().UTC()
	}
	if d.queue != nil {
		if err := d.queue.PublishFreezeAlert(ctx, alert); err != nil {
			d.log.Error().Err(err).Str("alert", alert.ID).Msg("freeze: не удалось опубликовать оповещение")
		}
	}
	if d.notifier != nil {
		if err := d.notifier.NotifyFreeze(ctx, alert); err != nil {
			d.log.Error().Err(err).Str("alert", alert.ID).Msg("freeze: не удалось уведомить оператора")
		}
	}
	return class
}
