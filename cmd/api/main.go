package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"sns-autopilot/internal/adapters/commentgen"
	"sns-autopilot/internal/adapters/executor"
	"sns-autopilot/internal/adapters/notify"
	"sns-autopilot/internal/adapters/repo"
	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/cache"
	"sns-autopilot/internal/infra/config"
	"sns-autopilot/internal/infra/db"
	"sns-autopilot/internal/infra/devicecache"
	"sns-autopilot/internal/infra/duoplus"
	httpinfra "sns-autopilot/internal/infra/http"
	infralog "sns-autopilot/internal/infra/log"
	"sns-autopilot/internal/infra/metrics"
	"sns-autopilot/internal/infra/openai"
	"sns-autopilot/internal/infra/queue"
	"sns-autopilot/internal/usecase/dispatcher"
	"sns-autopilot/internal/usecase/freeze"
	"sns-autopilot/internal/usecase/planner"
	"sns-autopilot/internal/usecase/refresher"
)

func main() {
	cfg := config.Load()
	logger := infralog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var planLock domain.Cache
	if cfg.RedisAddr != "" {
		planLock = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	var generator domain.CommentGenerator
	if cfg.OpenAI.APIKey != "" {
		client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		generator = commentgen.NewOpenAI(client, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	} else {
		logger.Warn().Msg("api: OPENAI_API_KEY не задан, комментарии по умолчанию")
		generator = commentgen.NewSimple()
	}

	deviceClient := duoplus.NewClient(cfg.DuoPlus.APIKey, cfg.DuoPlus.BaseURL, cfg.DuoPlus.Timeout)
	executors := executor.NewSet(deviceClient, generator, executor.DefaultWaits())

	var alertQueue domain.AlertQueue
	if cfg.AMQP.URL != "" {
		rabbit, err := queue.NewRabbitAlertQueue(cfg.AMQP.URL, cfg.AMQP.AlertsQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("api: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		alertQueue = rabbit
	}
	var notifier domain.AlertNotifier
	if cfg.Telegram.Token != "" && cfg.Telegram.AlertChatID != 0 {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AlertChatID)
		if err != nil {
			log.Fatal().Err(err).Msg("api: не удалось создать Telegram-нотификатор")
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

	planSvc := planner.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, planLock,
		logger.With().Str("component", "planner").Logger())

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
	// Диспетчер запускается оператором через POST /api/v1/scheduler/start.
	defer scheduler.Stop()

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	registerRoutes(srv, scheduler, planSvc, refreshSvc, repoAdapter)

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")
	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	log.Info().Msg("api: старт")
	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func registerRoutes(srv *httpinfra.Server, scheduler *dispatcher.Scheduler, planSvc *planner.Service, refreshSvc *refresher.Service, store *repo.Postgres) {
	r := srv.Router

	r.Post("/api/v1/scheduler/start", func(w http.ResponseWriter, req *http.Request) {
		scheduler.Start(context.WithoutCancel(req.Context()))
		writeJSON(w, map[string]any{"running": scheduler.Running()})
	})

	r.Post("/api/v1/scheduler/stop", func(w http.ResponseWriter, req *http.Request) {
		scheduler.Stop()
		writeJSON(w, map[string]any{"running": scheduler.Running()})
	})

	r.Get("/api/v1/scheduler/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"running": scheduler.Running()})
	})

	r.Get("/api/v1/scheduler/stats", func(w http.ResponseWriter, req *http.Request) {
		var projectID *int64
		if raw := req.URL.Query().Get("project_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "project_id должен быть числом")
				return
			}
			projectID = &id
		}
		stats, err := scheduler.Stats(projectID)
		if err != nil {
			log.Error().Err(err).Msg("api: stats")
			writeError(w, http.StatusInternalServerError, "не удалось получить статистику")
			return
		}
		writeJSON(w, map[string]any{
			"pending":         stats.Pending,
			"processing":      stats.Processing,
			"completed_today": stats.CompletedToday,
			"failed_today":    stats.FailedToday,
		})
	})

	r.Get("/api/v1/scheduler/upcoming", func(w http.ResponseWriter, req *http.Request) {
		items, err := scheduler.Upcoming(queryLimit(req, 20))
		if err != nil {
			log.Error().Err(err).Msg("api: upcoming")
			writeError(w, http.StatusInternalServerError, "не удалось получить план")
			return
		}
		writeJSON(w, interactionsJSON(items))
	})

	r.Get("/api/v1/scheduler/recent", func(w http.ResponseWriter, req *http.Request) {
		items, err := scheduler.Recent(queryLimit(req, 20))
		if err != nil {
			log.Error().Err(err).Msg("api: recent")
			writeError(w, http.StatusInternalServerError, "не удалось получить историю")
			return
		}
		writeJSON(w, interactionsJSON(items))
	})

	r.Get("/api/v1/devices/{deviceID}/status", func(w http.ResponseWriter, req *http.Request) {
		status, err := refreshSvc.Status(req.Context(), chi.URLParam(req, "deviceID"))
		if err != nil {
			log.Error().Err(err).Msg("api: device status")
			writeError(w, http.StatusBadGateway, "устройство не ответило")
			return
		}
		writeJSON(w, map[string]any{
			"device_id":  status.DeviceID,
			"online":     status.Online,
			"state":      status.State,
			"checked_at": status.CheckedAt,
		})
	})

	r.Post("/api/v1/posts", func(w http.ResponseWriter, req *http.Request) {
		defer req.Body.Close()
		var body registerPostRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		if body.AccountID == 0 || body.URL == "" {
			writeError(w, http.StatusBadRequest, "account_id и url обязательны")
			return
		}
		account, err := store.GetAccount(body.AccountID)
		if err != nil {
			writeError(w, http.StatusNotFound, "аккаунт не найден")
			return
		}
		publishedAt := body.PublishedAt
		if publishedAt.IsZero() {
			publishedAt = time.Now().UTC()
		}
		post, err := store.SavePostURL(domain.PostURL{
			ProjectID:   account.ProjectID,
			AccountID:   account.ID,
			Username:    account.Username,
			URL:         body.URL,
			Text:        body.Text,
			PublishedAt: publishedAt,
		})
		if err != nil {
			log.Error().Err(err).Msg("api: сохранение поста")
			writeError(w, http.StatusInternalServerError, "не удалось сохранить пост")
			return
		}
		created, err := planSvc.PlanPost(req.Context(), post)
		if err != nil {
			log.Error().Err(err).Int64("post", post.ID).Msg("api: планирование поста")
			writeError(w, http.StatusInternalServerError, "не удалось запланировать реакции")
			return
		}
		writeJSON(w, map[string]any{"post_id": post.ID, "planned": created})
	})

	r.Post("/api/v1/projects/{projectID}/relationships/init", func(w http.ResponseWriter, req *http.Request) {
		projectID, err := strconv.ParseInt(chi.URLParam(req, "projectID"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "project_id должен быть числом")
			return
		}
		defer req.Body.Close()
		var body initRelationshipsRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		defaults := domain.AccountRelationship{
			IntimacyLevel:          body.IntimacyLevel,
			Type:                   domain.RelationshipType(body.Type),
			InteractionProbability: body.InteractionProbability,
			PreferredReactionTypes: body.preferredTypes(),
			CommentStyle:           body.CommentStyle,
		}
		if defaults.Type == "" {
			defaults.Type = domain.RelationshipStranger
		}
		created, err := store.BulkInitRelationships(projectID, defaults)
		if err != nil {
			log.Error().Err(err).Int64("project", projectID).Msg("api: инициализация связей")
			writeError(w, http.StatusInternalServerError, "не удалось создать связи")
			return
		}
		writeJSON(w, map[string]any{"created": created})
	})

	r.Delete("/api/v1/relationships/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "id должен быть числом")
			return
		}
		if err := store.DeleteRelationship(id); err != nil {
			log.Error().Err(err).Int64("relationship", id).Msg("api: удаление связи")
			writeError(w, http.StatusInternalServerError, "не удалось удалить связь")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

type registerPostRequest struct {
	AccountID   int64     `json:"account_id"`
	URL         string    `json:"url"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"published_at"`
}

type initRelationshipsRequest struct {
	IntimacyLevel          int      `json:"intimacy_level"`
	Type                   string   `json:"type"`
	InteractionProbability int      `json:"interaction_probability"`
	PreferredReactionTypes []string `json:"preferred_reaction_types"`
	CommentStyle           string   `json:"comment_style"`
}

func (r initRelationshipsRequest) preferredTypes() []domain.ActionType {
	var out []domain.ActionType
	for _, t := range r.PreferredReactionTypes {
		out = append(out, domain.ActionType(t))
	}
	return out
}

func interactionsJSON(items []domain.InteractionWithPost) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		row := map[string]any{
			"id":              item.Interaction.ID,
			"type":            item.Interaction.Type,
			"from_account_id": item.Interaction.FromAccountID,
			"status":          item.Interaction.Status,
			"scheduled_at":    item.Interaction.ScheduledAt,
		}
		if item.Interaction.TargetUsername != "" {
			row["target_username"] = item.Interaction.TargetUsername
		}
		if item.Interaction.ExecutedAt != nil {
			row["executed_at"] = item.Interaction.ExecutedAt
		}
		if item.Interaction.ErrorMessage != "" {
			row["error_message"] = item.Interaction.ErrorMessage
		}
		if item.Post != nil {
			row["post"] = map[string]any{
				"id":       item.Post.ID,
				"url":      item.Post.URL,
				"username": item.Post.Username,
			}
		}
		out = append(out, row)
	}
	return out
}

func queryLimit(req *http.Request, def int) int {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 200 {
		return def
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
