package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит все параметры сервиса генерации историй.
type Config struct {
	// PostgreSQL
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"-"` // читается из секрета
	DBName     string `envconfig:"DB_NAME" required:"true"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	// RabbitMQ
	RabbitMQURL      string `envconfig:"RABBITMQ_URL" required:"true"`
	TaskQueueName    string `envconfig:"TASK_QUEUE_NAME" default:"story_expansion_tasks"`
	PrefetchCount    int    `envconfig:"PREFETCH_COUNT" default:"1"`
	ConsumerPoolSize int    `envconfig:"CONSUMER_POOL_SIZE" default:"4"`

	// Redis (блокировки историй)
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	StoryLockTTL  time.Duration `envconfig:"STORY_LOCK_TTL" default:"10m"`

	// AI-клиент
	AIClientType     string        `envconfig:"AI_CLIENT_TYPE" default:"openai"` // openai | ollama
	AIBaseURL        string        `envconfig:"AI_BASE_URL" default:""`
	AIModel          string        `envconfig:"AI_MODEL" required:"true"`
	AIAPIKey         string        `envconfig:"-"` // читается из секрета
	AITimeout        time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	AIMaxAttempts    int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	AIBaseRetryDelay time.Duration `envconfig:"AI_BASE_RETRY_DELAY" default:"2s"`

	// Модерация
	ModerationModel      string `envconfig:"MODERATION_MODEL" default:""`
	ModerationMaxRetries int    `envconfig:"MODERATION_MAX_RETRIES" default:"2"`

	// Параметры расширения дерева
	MaxExpansionDepth int `envconfig:"MAX_EXPANSION_DEPTH" default:"5"`

	// Медиа-сервисы
	ImageServiceURL string        `envconfig:"IMAGE_SERVICE_URL" default:""`
	AudioServiceURL string        `envconfig:"AUDIO_SERVICE_URL" default:""`
	VideoServiceURL string        `envconfig:"VIDEO_SERVICE_URL" default:""`
	MediaTimeout    time.Duration `envconfig:"MEDIA_TIMEOUT" default:"60s"`

	// HTTP и наблюдаемость
	HTTPPort       string   `envconfig:"HTTP_PORT" default:"8085"`
	MetricsPort    string   `envconfig:"METRICS_PORT" default:"9094"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`
	PushgatewayURL string   `envconfig:"PUSHGATEWAY_URL" default:""`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
}

// ReadSecret читает секрет из файла, путь к которому задан переменной
// окружения <ENV>_FILE, либо напрямую из переменной <ENV>.
func ReadSecret(envName string) (string, error) {
	if filePath := os.Getenv(envName + "_FILE"); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("не удалось прочитать секрет из файла %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if value := os.Getenv(envName); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("секрет %s не задан (ни %s, ни %s_FILE)", envName, envName, envName)
}

// Load загружает конфигурацию из окружения и секретов.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка обработки переменных окружения: %w", err)
	}

	dbPassword, err := ReadSecret("DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword = dbPassword

	if cfg.AIClientType == "openai" {
		apiKey, err := ReadSecret("AI_API_KEY")
		if err != nil {
			return nil, err
		}
		cfg.AIAPIKey = apiKey
	}

	if cfg.ModerationModel == "" {
		cfg.ModerationModel = cfg.AIModel
	}

	return &cfg, nil
}

// DatabaseDSN собирает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MaskedDSN возвращает DSN с замаскированным паролем для логов.
func (c *Config) MaskedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}
