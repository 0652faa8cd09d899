package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSmallIcon               = "ic_service_notify"
	DefaultRationaleText           = "Location access is required to report your position while tracking is on."
	DefaultRationalePositiveButton = "GOT IT"
)

// Config agrupa la configuración del proceso. Se lee de variables de entorno
// y opcionalmente de un YAML (CONFIG_FILE).
type Config struct {
	MetricsPort string `yaml:"metrics_port"`

	StoreBackend string `yaml:"store_backend"` // "sqlite" o "redis"
	StorePath    string `yaml:"store_path"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisDB      int    `yaml:"redis_db"`

	Transport   string        `yaml:"transport"` // "tcp", "grpc", "mqtt" o "kafka"
	ReportAddr  string        `yaml:"report_addr"`
	ReportTopic string        `yaml:"report_topic"`
	QueueSize   int           `yaml:"queue_size"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	RetryBudget int           `yaml:"retry_budget"`

	Source            string        `yaml:"source"` // "sim" o "avl"
	AVLListen         string        `yaml:"avl_listen"`
	UpdateInterval    time.Duration `yaml:"update_interval"`
	FastestInterval   time.Duration `yaml:"fastest_interval"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
	NoLocationTimeout time.Duration `yaml:"no_location_timeout"`

	Tracking Tracking `yaml:"tracking"`
}

// Tracking is set once at configure time and never changes for the life of the process.
type Tracking struct {
	RiderID int    `yaml:"rider_id" validate:"gt=0"`
	APIKey  string `yaml:"api_key" validate:"required"`

	NotificationSmallIcon    string `yaml:"notification_small_icon"`
	NotificationChannelTitle string `yaml:"notification_channel_title"`
	NotificationTitle        string `yaml:"notification_title"`
	NotificationText         string `yaml:"notification_text"`
	NotificationTicker       string `yaml:"notification_ticker"`

	RationaleText           string `yaml:"rationale_text"`
	RationalePositiveButton string `yaml:"rationale_positive_button"`
}

var validate = validator.New()

// Validate checks required fields and fills defaults for the optional ones.
func (t *Tracking) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("tracking config: %w", err)
	}
	if t.NotificationSmallIcon == "" {
		t.NotificationSmallIcon = DefaultSmallIcon
	}
	if t.RationaleText == "" {
		t.RationaleText = DefaultRationaleText
	}
	if t.RationalePositiveButton == "" {
		t.RationalePositiveButton = DefaultRationalePositiveButton
	}
	return nil
}

func Load() (Config, error) {
	cfg := Config{
		MetricsPort: getEnv("METRICS_PORT", "9000"),

		StoreBackend: getEnv("STORE_BACKEND", "sqlite"),
		StorePath:    getEnv("STORE_PATH", "trackagent.db"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:      getEnvInt("REDIS_DB", 0),

		Transport:   getEnv("TRANSPORT", "tcp"),
		ReportAddr:  getEnv("REPORT_ADDR", "localhost:7001"),
		ReportTopic: getEnv("REPORT_TOPIC", "trackagent/locations"),
		QueueSize:   getEnvInt("QUEUE_SIZE", 256),
		MinBackoff:  getEnvDuration("MIN_BACKOFF", time.Second),
		MaxBackoff:  getEnvDuration("MAX_BACKOFF", 30*time.Second),
		RetryBudget: getEnvInt("RETRY_BUDGET", 5),

		Source:            getEnv("SOURCE", "sim"),
		AVLListen:         getEnv("AVL_LISTEN", ":8001"),
		UpdateInterval:    getEnvDuration("UPDATE_INTERVAL", 10*time.Second),
		FastestInterval:   getEnvDuration("FASTEST_INTERVAL", 5*time.Second),
		RestartDelay:      getEnvDuration("RESTART_DELAY", 30*time.Second),
		NoLocationTimeout: getEnvDuration("NO_LOCATION_TIMEOUT", 5*time.Minute),

		Tracking: Tracking{
			RiderID:                  getEnvInt("RIDER_ID", 0),
			APIKey:                   getEnv("API_KEY", ""),
			NotificationChannelTitle: getEnv("NOTIFICATION_CHANNEL_TITLE", "Tracking"),
			NotificationTitle:        getEnv("NOTIFICATION_TITLE", "Location tracking"),
			NotificationText:         getEnv("NOTIFICATION_TEXT", "Your location is being reported"),
			NotificationTicker:       getEnv("NOTIFICATION_TICKER", ""),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// loadFile aplica el YAML sobre la configuración ya cargada del entorno.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}
