// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию сервиса пополнений.
type Config struct {
	App          AppConfig
	HTTP         HTTPConfig
	MySQL        MySQLConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	JWT          JWTConfig
	Jaeger       JaegerConfig
	Metrics      MetricsConfig
	RateLimit    RateLimitConfig
	Operator     OperatorConfig
	Dispatch     DispatchConfig
	Scheduler    SchedulerConfig
	ExchangeRate ExchangeRateConfig
	Alert        AlertConfig
	Report       ReportConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"recharge-service"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
	NodeID    int64  `env:"APP_NODE_ID" envDefault:"1"` // Узел snowflake для номеров заказов (0..1023)
}

// HTTPConfig — настройки HTTP сервера.
type HTTPConfig struct {
	Host         string        `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port         int           `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"45s"` // Создание заказа ждёт каталог оператора
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	CORSOrigins  []string      `env:"HTTP_CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"topup"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
	AutoMigrate     bool          `env:"MYSQL_AUTO_MIGRATE" envDefault:"false"`

	// Запросы дольше порога пишутся в лог предупреждением
	SlowQueryThreshold time.Duration `env:"MYSQL_SLOW_QUERY_THRESHOLD" envDefault:"200ms"`
}

// DSN возвращает строку подключения к MySQL.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки подключения к Kafka.
type KafkaConfig struct {
	Brokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	ConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"recharge-dispatcher"`
	MaxRetries    int      `env:"KAFKA_MAX_RETRIES" envDefault:"3"`
}

// JWTConfig содержит настройки проверки JWT токенов (RS256).
// Сервис только валидирует токены, выдаёт их внешний auth-сервис.
type JWTConfig struct {
	PublicKeyPath string `env:"JWT_PUBLIC_KEY_PATH,required"`
	Issuer        string `env:"JWT_ISSUER" envDefault:"topup"`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled     bool    `env:"JAEGER_ENABLED" envDefault:"true"`
	Host        string  `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort    int     `env:"JAEGER_OTLP_PORT" envDefault:"4317"` // OTLP gRPC порт
	SampleRatio float64 `env:"JAEGER_SAMPLE_RATIO" envDefault:"1"`
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"` // Включить metrics endpoint
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`    // Порт для /metrics
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RateLimitConfig — настройки ограничения запросов.
type RateLimitConfig struct {
	Enabled       bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RequestsLimit int           `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	Window        time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// OperatorConfig — настройки API оператора Unitel.
type OperatorConfig struct {
	UnitelAPIURL   string        `env:"UNITEL_API_URL" envDefault:"https://api.unitel.mn/api/v1"`
	UnitelUsername string        `env:"UNITEL_USERNAME"`
	UnitelPassword string        `env:"UNITEL_PASSWORD"`
	RequestTimeout time.Duration `env:"OPERATOR_REQUEST_TIMEOUT" envDefault:"30s"`
	TokenTTL       time.Duration `env:"OPERATOR_TOKEN_TTL" envDefault:"90s"` // Реальный срок 2 минуты, оставляем запас
	AuthRetries    int           `env:"OPERATOR_AUTH_RETRIES" envDefault:"3"`
	AuthRetryDelay time.Duration `env:"OPERATOR_AUTH_RETRY_DELAY" envDefault:"1s"`
}

// DispatchConfig — настройки отправки пополнений оператору.
type DispatchConfig struct {
	Workers        int           `env:"DISPATCH_WORKERS" envDefault:"8"`
	QueueSize      int           `env:"DISPATCH_QUEUE_SIZE" envDefault:"64"`
	RecoveryWindow time.Duration `env:"DISPATCH_RECOVERY_WINDOW" envDefault:"10m"` // Захват без sequence id старше окна можно перезахватить
}

// SchedulerConfig — настройки компенсационного планировщика.
type SchedulerConfig struct {
	Enabled             bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	StuckInterval       time.Duration `env:"SCHEDULER_STUCK_INTERVAL" envDefault:"60s"`
	StuckGrace          time.Duration `env:"SCHEDULER_STUCK_GRACE" envDefault:"1m"`
	ReconcileInterval   time.Duration `env:"SCHEDULER_RECONCILE_INTERVAL" envDefault:"5m"`
	ReconcileMinAge     time.Duration `env:"SCHEDULER_RECONCILE_MIN_AGE" envDefault:"5m"`
	ReconcileLookback   time.Duration `env:"SCHEDULER_RECONCILE_LOOKBACK" envDefault:"12h"`
	AuditInterval       time.Duration `env:"SCHEDULER_AUDIT_INTERVAL" envDefault:"5m"`
	AuditLookback       time.Duration `env:"SCHEDULER_AUDIT_LOOKBACK" envDefault:"24h"`
	BatchSize           int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"10"`
	AlertBatchSize      int           `env:"SCHEDULER_ALERT_BATCH_SIZE" envDefault:"100"`
	DailyReportHour     int           `env:"SCHEDULER_DAILY_REPORT_HOUR" envDefault:"2"`
	DailyReportDisabled bool          `env:"SCHEDULER_DAILY_REPORT_DISABLED" envDefault:"false"`
}

// ExchangeRateConfig — настройки источника курса валют.
type ExchangeRateConfig struct {
	Pair     string        `env:"EXCHANGE_RATE_PAIR" envDefault:"MNT_TO_CNY"`
	CacheTTL time.Duration `env:"EXCHANGE_RATE_CACHE_TTL" envDefault:"5m"`
}

// AlertConfig — настройки эскалации заказов на ручную проверку.
// Пустой SQSQueueURL — алерты только пишутся в лог.
type AlertConfig struct {
	SQSQueueURL     string        `env:"ALERT_SQS_QUEUE_URL"`
	AWSRegion       string        `env:"ALERT_AWS_REGION" envDefault:"ap-east-1"`
	AWSAccessKeyID  string        `env:"ALERT_AWS_ACCESS_KEY_ID"` // Пусто — цепочка учётных данных AWS по умолчанию
	AWSSecretKey    string        `env:"ALERT_AWS_SECRET_ACCESS_KEY"`
	DedupeTTL       time.Duration `env:"ALERT_DEDUPE_TTL" envDefault:"24h"`
}

// ReportConfig — настройки ежедневного отчёта.
type ReportConfig struct {
	Dir string `env:"REPORT_DIR" envDefault:"./reports"`
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile загружает конфигурацию из указанного .env файла.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("ошибка загрузки .env файла %s: %w", path, err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate проверяет значения, которые env-теги проверить не могут.
func (c *Config) validate() error {
	if c.App.NodeID < 0 || c.App.NodeID > 1023 {
		return fmt.Errorf("APP_NODE_ID должен быть в диапазоне 0..1023, получено %d", c.App.NodeID)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS должен быть больше 0")
	}
	if c.Scheduler.DailyReportHour < 0 || c.Scheduler.DailyReportHour > 23 {
		return fmt.Errorf("SCHEDULER_DAILY_REPORT_HOUR должен быть в диапазоне 0..23")
	}
	return nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
