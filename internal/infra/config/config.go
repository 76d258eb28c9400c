package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Asia/Tokyo"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	DuoPlus struct {
		APIKey  string        `envconfig:"DUOPLUS_API_KEY"`
		BaseURL string        `envconfig:"DUOPLUS_BASE_URL"`
		Timeout time.Duration `envconfig:"DUOPLUS_TIMEOUT" default:"30s"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Telegram struct {
		Token       string `envconfig:"TG_BOT_TOKEN"`
		AlertChatID int64  `envconfig:"TG_ALERT_CHAT_ID"`
	} `envconfig:""`

	AMQP struct {
		URL         string `envconfig:"AMQP_URL"`
		AlertsQueue string `envconfig:"FREEZE_ALERTS_QUEUE" default:"freeze_alerts"`
	} `envconfig:""`

	Scheduler struct {
		DispatchInterval time.Duration `envconfig:"DISPATCH_INTERVAL" default:"30s"`
		RefreshInterval  time.Duration `envconfig:"DEVICE_REFRESH_INTERVAL" default:"1m"`
		TaskInterval     time.Duration `envconfig:"TASK_INTERVAL" default:"5m"`
		Workers          int           `envconfig:"DISPATCH_WORKERS" default:"4"`
		BatchLimit       int           `envconfig:"DISPATCH_BATCH_LIMIT" default:"50"`
		ClaimTimeout     time.Duration `envconfig:"CLAIM_TIMEOUT" default:"10m"`
		RetryMax         int           `envconfig:"DISPATCH_RETRY_MAX" default:"2"`
	} `envconfig:""`

	DeviceCache struct {
		TTL        time.Duration `envconfig:"DEVICE_CACHE_TTL" default:"45s"`
		MaxEntries int           `envconfig:"DEVICE_CACHE_MAX_ENTRIES" default:"500"`
	} `envconfig:""`

	Refresher struct {
		BatchSize  int           `envconfig:"DEVICE_REFRESH_BATCH_SIZE" default:"5"`
		BatchPause time.Duration `envconfig:"DEVICE_REFRESH_BATCH_PAUSE" default:"2s"`
		RetryMax   int           `envconfig:"DEVICE_REFRESH_RETRY_MAX" default:"3"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
