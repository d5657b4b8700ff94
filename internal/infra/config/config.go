package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов трекера.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"America/New_York"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Gmail struct {
		CredentialsFile string        `envconfig:"GOOGLE_CREDENTIALS_FILE" default:"credentials.json"`
		RequestTimeout  time.Duration `envconfig:"GMAIL_REQUEST_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Fetch struct {
		Workers            int `envconfig:"FETCH_WORKERS" default:"20"`
		MaxThreads         int `envconfig:"MAX_THREADS" default:"500"`
		MaxThreadsBackfill int `envconfig:"MAX_THREADS_BACKFILL" default:"2000"`
		RetryAttempts      int `envconfig:"FETCH_RETRY_ATTEMPTS" default:"3"`
	} `envconfig:""`

	Stats struct {
		ThresholdHours  float64 `envconfig:"PAIR_THRESHOLD_HOURS" default:"168"`
		DefaultTimezone string  `envconfig:"DEFAULT_USER_TZ" default:"America/New_York"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL           string `envconfig:"RABBITMQ_URL"`
	RabbitManagementURL string `envconfig:"RABBITMQ_MANAGEMENT_URL"`

	Queues struct {
		Runs string `envconfig:"RUN_QUEUE_KEY" default:"tracker_runs"`
	} `envconfig:""`

	Schedule struct {
		Interval time.Duration `envconfig:"RUN_INTERVAL" default:"6h"`
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
