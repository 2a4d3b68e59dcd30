package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	OpenAI struct {
		APIKey      string        `envconfig:"OPENAI_API_KEY"`
		BaseURL     string        `envconfig:"OPENAI_BASE_URL"`
		Model       string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout     time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
		MaxAttempts int           `envconfig:"OPENAI_MAX_ATTEMPTS" default:"3"`
		RetryDelay  time.Duration `envconfig:"OPENAI_RETRY_DELAY" default:"2s"`
	} `envconfig:""`

	Cache struct {
		Timeout    time.Duration `envconfig:"CACHE_TIMEOUT" default:"5s"`
		MaxEntries int           `envconfig:"CACHE_MAX_ENTRIES" default:"1000"`
	} `envconfig:""`

	Reports struct {
		TTL               time.Duration `envconfig:"REPORT_TTL" default:"72h"`
		Retention         time.Duration `envconfig:"REPORT_RETENTION" default:"720h"`
		HomepageLimit     int           `envconfig:"HOMEPAGE_LIMIT" default:"10"`
		HomepageBackupTTL time.Duration `envconfig:"HOMEPAGE_BACKUP_TTL" default:"1h"`
		MessageLimit      int           `envconfig:"REPORT_MESSAGE_LIMIT" default:"500"`
	} `envconfig:""`

	Accounting struct {
		Threshold   int           `envconfig:"ACCOUNTING_THRESHOLD" default:"3"`
		Horizon     time.Duration `envconfig:"ACCOUNTING_HORIZON" default:"168h"`
		CountsTTL   time.Duration `envconfig:"COUNTS_TTL" default:"5m"`
		Concurrency int           `envconfig:"ACCOUNTING_CONCURRENCY" default:"8"`
	} `envconfig:""`

	Scheduler struct {
		Interval time.Duration `envconfig:"SCHEDULE_INTERVAL" default:"5m"`
		Cooldown time.Duration `envconfig:"GENERATION_COOLDOWN" default:"10m"`
	} `envconfig:""`

	Queues struct {
		Backend   string `envconfig:"QUEUE_BACKEND" default:"redis"`
		ReportKey string `envconfig:"REPORT_QUEUE_KEY" default:"report_jobs"`
		RabbitURL string `envconfig:"RABBITMQ_URL"`
	} `envconfig:""`

	Orders struct {
		BaseURL         string        `envconfig:"FEDREGISTER_BASE_URL"`
		StartDate       string        `envconfig:"ORDERS_START_DATE" default:"2025-01-20"`
		TTL             time.Duration `envconfig:"ORDERS_TTL" default:"24h"`
		RefreshInterval time.Duration `envconfig:"ORDERS_REFRESH_INTERVAL" default:"24h"`
	} `envconfig:""`

	Tasks struct {
		QueueSize int           `envconfig:"BACKGROUND_QUEUE_SIZE" default:"64"`
		Workers   int           `envconfig:"BACKGROUND_WORKERS" default:"2"`
		Timeout   time.Duration `envconfig:"BACKGROUND_TASK_TIMEOUT" default:"30s"`
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
