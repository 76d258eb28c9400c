package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"sns-autopilot/internal/adapters/commentgen"
	"sns-autopilot/internal/adapters/executor"
	"sns-autopilot/internal/adapters/notify"
	"sns-autopilot/internal/adapters/repo"
	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/config"
	"sns-autopilot/internal/infra/db"
	"sns-autopilot/internal/infra/devicecache"
	"sns-autopilot/internal/infra/duoplus"
	infralog "sns-autopilot/internal/infra/log"
	"sns-autopilot/internal/infra/metrics"
	"sns-autopilot/internal/infra/openai"
	"sns-autopilot/internal/infra/queue"
	"sns-autopilot/internal/usecase/dispatcher"
	"sns-autopilot/internal/usecase/freeze"
	"sns-autopilot/internal/usecase/refresher"
)

// Автономный фоновый процесс: диспетчер стартует сразу и работает до сигнала.
// Управляющая HTTP-поверхность живёт в cmd/api; двойной запуск безопасен,
// захват реакций эксклюзивен на уровне БД.
func main() {
	cfg := config.Load()
	logger := infralog.NewLogger(cfg.AppEnv, "worker")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var generator domain.CommentGenerator
	if cfg.OpenAI.APIKey != "" {
		client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		generator = commentgen.NewOpenAI(client, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	} else {
		logger.Warn().Msg("worker: OPENAI_API_KEY не задан, комментарии по умолчанию")
		generator = commentgen.NewSimple()
	}

	deviceClient := duoplus.NewClient(cfg.DuoPlus.APIKey, cfg.DuoPlus.BaseURL, cfg.DuoPlus.Timeout)
	executors := executor.NewSet(deviceClient, generator, executor.DefaultWaits())

	var alertQueue domain.AlertQueue
	if cfg.AMQP.URL != "" {
		rabbit, err := queue.NewRabbitAlertQueue(cfg.AMQP.URL, cfg.AMQP.AlertsQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("worker: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		alertQueue = rabbit
	}
	var notifier domain.AlertNotifier
	if cfg.Telegram.Token != "" && cfg.Telegram.AlertChatID != 0 {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AlertChatID)
		if err != nil {
			log.Fatal().Err(err).Msg("worker: не удалось создать Telegram-нотификатор")
		}
		notifier = tg
	}
	detector := freeze.NewDetector(repoAdapter, repoAdapter, alertQueue, notifier, logger.With().Str("component", "freeze").Logger())

	statusCache := devicecache.New(cfg.DeviceCache.TTL, cfg.DeviceCache.MaxEntries)
	refreshSvc := refresher.NewService(repoAdapter, deviceClient, statusCache, refresher.Options{
		BatchSize:  cfg.Refresher.BatchSize,
		BatchPause: cfg.Refresher.BatchPause,
		RetryMax:   cfg.Refresher.RetryMax,
	}, logger.With().Str("component", "refresher").Logger())

	scheduler := dispatcher.NewScheduler(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		executors, detector, refreshSvc, dispatcher.Options{
			DispatchInterval: cfg.Scheduler.DispatchInterval,
			RefreshInterval:  cfg.Scheduler.RefreshInterval,
			TaskInterval:     cfg.Scheduler.TaskInterval,
			Workers:          cfg.Scheduler.Workers,
			BatchLimit:       cfg.Scheduler.BatchLimit,
			ClaimTimeout:     cfg.Scheduler.ClaimTimeout,
			RetryMax:         cfg.Scheduler.RetryMax,
		}, logger.With().Str("component", "scheduler").Logger())
	scheduler.Start(ctx)
	defer scheduler.Stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	log.Info().Msg("worker: старт")
	<-ctx.Done()
	log.Info().Msg("worker: остановка")
}
