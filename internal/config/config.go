package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config агрегирует настройки сервиса. Значения читаются из переменных
// окружения с префиксом IMS_ и опционально из файла config.env.
type Config struct {
	HTTP        HTTPConfig
	Metrics     MetricsConfig
	Storage     StorageConfig
	Postgres    PostgresConfig
	Kafka       KafkaConfig
	Outbox      OutboxConfig
	Idempotency IdempotencyConfig
}

// StorageConfig выбирает хранилище сервиса: memory или postgres.
type StorageConfig struct {
	Driver      string
	AutoMigrate bool
}

// HTTPConfig — настройки HTTP API.
type HTTPConfig struct {
	Addr string
	// ReadTimeout ограничивает чтение запроса целиком.
	ReadTimeout time.Duration
}

// MetricsConfig — настройки служебного HTTP-сервера (метрики, health).
type MetricsConfig struct {
	Addr string
}

// PostgresConfig — настройки подключения к PostgreSQL.
// Пустой DSN означает запуск на in-memory хранилище.
type PostgresConfig struct {
	DSN string
}

// KafkaConfig — настройки брокера. Пустой Brokers отключает Kafka:
// outbox-воркер и consumer не запускаются.
type KafkaConfig struct {
	Brokers       string
	ConsumerGroup string
}

// BrokerList возвращает список брокеров из строки с разделителем-запятой.
func (c KafkaConfig) BrokerList() []string {
	if strings.TrimSpace(c.Brokers) == "" {
		return nil
	}
	parts := strings.Split(c.Brokers, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// OutboxConfig — настройки publisher-воркера transactional outbox.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// IdempotencyConfig — настройки слоя идемпотентности HTTP API.
type IdempotencyConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// Load читает конфигурацию: env-переменные имеют приоритет над файлом.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // файл опционален

	v.SetEnvPrefix("IMS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:        v.GetString("http_addr"),
			ReadTimeout: v.GetDuration("http_read_timeout"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("metrics_addr"),
		},
		Storage: StorageConfig{
			Driver:      v.GetString("storage_driver"),
			AutoMigrate: v.GetBool("storage_auto_migrate"),
		},
		Postgres: PostgresConfig{
			DSN: v.GetString("postgres_dsn"),
		},
		Kafka: KafkaConfig{
			Brokers:       v.GetString("kafka_brokers"),
			ConsumerGroup: v.GetString("kafka_consumer_group"),
		},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("outbox_poll_interval"),
			BatchSize:    v.GetInt("outbox_batch_size"),
		},
		Idempotency: IdempotencyConfig{
			TTL:             v.GetDuration("idempotency_ttl"),
			CleanupInterval: v.GetDuration("idempotency_cleanup_interval"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http_read_timeout", 15*time.Second)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("storage_driver", "memory")
	v.SetDefault("storage_auto_migrate", true)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_consumer_group", "ims-stock-service")
	v.SetDefault("outbox_poll_interval", time.Second)
	v.SetDefault("outbox_batch_size", 100)
	v.SetDefault("idempotency_ttl", 24*time.Hour)
	v.SetDefault("idempotency_cleanup_interval", 10*time.Minute)
}
