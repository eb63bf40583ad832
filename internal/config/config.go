package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers understood by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
	DriverMemory   = "memory"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Port        string `yaml:"port"`
	GRPCPort    string `yaml:"grpc_port"`
	Environment string `yaml:"environment"`

	StoreDriver string `yaml:"store_driver"`
	DBDSN       string `yaml:"db_dsn"`
	PebblePath  string `yaml:"pebble_path"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	JWTSecret    string `yaml:"jwt_secret"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	WSSendBuffer    int `yaml:"ws_send_buffer"`
	WSMessageRate   int `yaml:"ws_message_rate"`
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:              "8083",
		GRPCPort:          "9083",
		Environment:       "local",
		StoreDriver:       DriverPostgres,
		AMQPExchange:      "chat.events",
		NATSSubjectPrefix: "chat.rooms",
		LogLevel:          "info",
		LogFormat:         "json",
		WSSendBuffer:      256,
		WSMessageRate:     30,
		MaxMessageBytes:   64 * 1024,
	}
}

// Load reads .env (if present), the optional YAML file named by
// CONFIG_FILE, and finally environment variables. Later sources win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.GRPCPort = getEnv("GRPC_PORT", cfg.GRPCPort)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", cfg.StoreDriver))
	cfg.DBDSN = getEnv("DB_DSN", cfg.DBDSN)
	cfg.PebblePath = getEnv("PEBBLE_PATH", cfg.PebblePath)
	cfg.AMQPURL = getEnv("AMQP_URL", cfg.AMQPURL)
	cfg.AMQPExchange = getEnv("AMQP_EXCHANGE", cfg.AMQPExchange)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	var err error
	if cfg.WSSendBuffer, err = getEnvInt("WS_SEND_BUFFER", cfg.WSSendBuffer); err != nil {
		return err
	}
	if cfg.WSMessageRate, err = getEnvInt("WS_MESSAGE_RATE", cfg.WSMessageRate); err != nil {
		return err
	}
	if cfg.MaxMessageBytes, err = getEnvInt("MAX_MESSAGE_BYTES", cfg.MaxMessageBytes); err != nil {
		return err
	}
	return nil
}

// Validate reports configuration that cannot start a server.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBDSN == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	case DriverPebble:
		if c.PebblePath == "" {
			return errors.New("PEBBLE_PATH is required for the pebble store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.WSSendBuffer <= 0 {
		return errors.New("WS_SEND_BUFFER must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("MAX_MESSAGE_BYTES must be positive")
	}
	if c.WSMessageRate < 0 {
		return errors.New("WS_MESSAGE_RATE must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
