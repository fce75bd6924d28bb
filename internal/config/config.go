package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"coworking/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Backup       BackupConfig       `yaml:"backup"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
	Reservations ReservationsConfig `yaml:"reservations"`
	Events       EventsConfig       `yaml:"events"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	SpacesFile   string             `yaml:"spaces_file"`
	Spaces       []models.Space     `yaml:"spaces"`
}

type ReservationsConfig struct {
	HoldDuration   time.Duration `yaml:"hold_duration"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepBatchSize int           `yaml:"sweep_batch_size"`
	MaxAdvanceDays int           `yaml:"max_advance_days"`
}

type EventsConfig struct {
	SubscriberBuffer   int    `yaml:"subscriber_buffer"`
	SinkQueueSize      int    `yaml:"sink_queue_size"`
	RedisRelay         bool   `yaml:"redis_relay"`
	RedisChannelPrefix string `yaml:"redis_channel_prefix"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type APIConfig struct {
	HTTP          APIHTTPConfig          `yaml:"http"`
	RateLimit     APIRateLimitConfig     `yaml:"rate_limit"`
	HoldRateLimit APIHoldRateLimitConfig `yaml:"hold_rate_limit"`
	SSEHeartbeat  time.Duration          `yaml:"sse_heartbeat"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// APIHoldRateLimitConfig limits hold requests per requester.
type APIHoldRateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// DSN builds a postgres connection URL.
func (p PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.DBName,
	}
	q := u.Query()
	q.Set("sslmode", p.SSLMode)
	if p.MaxConnections > 0 {
		q.Set("pool_max_conns", fmt.Sprint(p.MaxConnections))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case DriverPostgres:
		if c.Database.Postgres.Host == "" || c.Database.Postgres.DBName == "" {
			return errors.New("postgres host and dbname are required")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Reservations.HoldDuration <= 0 {
		return errors.New("reservations.hold_duration must be positive")
	}
	if c.Reservations.SweepInterval <= 0 {
		return errors.New("reservations.sweep_interval must be positive")
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka brokers and topic are required when kafka is enabled")
	}
	if c.Events.RedisRelay && c.Redis.Address == "" {
		return errors.New("redis address is required for the event relay")
	}

	return ValidateSpaces(c.Spaces)
}

func ValidateSpaces(spaces []models.Space) error {
	// Check for duplicate space IDs
	ids := make(map[string]bool)
	for i := range spaces {
		if err := spaces[i].Validate(); err != nil {
			return err
		}
		if ids[spaces[i].ID] {
			return fmt.Errorf("duplicate space ID found: %s", spaces[i].ID)
		}
		ids[spaces[i].ID] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}
	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.SSEHeartbeat == 0 {
		c.API.SSEHeartbeat = 25 * time.Second
	}
	if c.API.HoldRateLimit.Requests == 0 {
		c.API.HoldRateLimit.Requests = models.DefaultHoldRateLimit
	}
	if c.API.HoldRateLimit.Window == 0 {
		c.API.HoldRateLimit.Window = models.DefaultHoldRateWindow
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	// Reservation defaults
	if c.Reservations.HoldDuration == 0 {
		c.Reservations.HoldDuration = models.DefaultHoldDuration
	}
	if c.Reservations.SweepInterval == 0 {
		c.Reservations.SweepInterval = models.DefaultSweepInterval
	}
	if c.Reservations.SweepBatchSize == 0 {
		c.Reservations.SweepBatchSize = models.DefaultSweepBatchSize
	}
	if c.Reservations.MaxAdvanceDays == 0 {
		c.Reservations.MaxAdvanceDays = models.DefaultMaxAdvanceDays
	}

	if c.Events.SubscriberBuffer == 0 {
		c.Events.SubscriberBuffer = models.DefaultSubscriberBuffer
	}
	if c.Events.SinkQueueSize == 0 {
		c.Events.SinkQueueSize = models.DefaultSinkQueueSize
	}
	if c.Events.RedisChannelPrefix == "" {
		c.Events.RedisChannelPrefix = "coworking:events:"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "coworking.reservation-events"
	}
}
