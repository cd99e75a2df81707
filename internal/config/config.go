package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/otcheredev/dicom-transfer-connector/internal/connector"
)

// Config holds the connector service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	DICOM    DICOMConfig
	Log      LogConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Host         string
	Port         int
	Env          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// OperationTimeout bounds a single find or echo served over HTTP.
	OperationTimeout time.Duration
}

// DatabaseConfig holds the PostgreSQL settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// RedisConfig holds the settings of the broker the receiver service
// publishes moved files on. Without it an in-process broker is used.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DICOMConfig holds the association settings shared by every server.
type DICOMConfig struct {
	CallingAETitle     string
	ReceiverAETitle    string
	ConnectionRetries  int
	RetryTimeout       time.Duration
	ACSETimeout        time.Duration
	DIMSETimeout       time.Duration
	NetworkTimeout     time.Duration
	MaxPDULength       int
	MoveIdleTimeout    time.Duration
	ExcludedModalities []string

	// Circuit breaker per server profile.
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// LogConfig holds the logger settings.
type LogConfig struct {
	Level  string
	Format string
}

// CORSConfig holds the admin API CORS settings.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(), nil
}

// FromEnv builds the configuration from the environment, applying defaults.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             getEnv("SERVER_HOST", "0.0.0.0"),
			Port:             getIntEnv("SERVER_PORT", 8080),
			Env:              getEnv("ENV", "development"),
			ReadTimeout:      getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:     getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
			OperationTimeout: getDurationEnv("SERVER_OPERATION_TIMEOUT", 90*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getIntEnv("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "dicom_connector"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getIntEnv("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		DICOM: DICOMConfig{
			CallingAETitle:     getEnv("DICOM_CALLING_AE_TITLE", connector.DefaultCallingAETitle),
			ReceiverAETitle:    getEnv("DICOM_RECEIVER_AE_TITLE", connector.DefaultCallingAETitle),
			ConnectionRetries:  getIntEnv("DICOM_CONNECTION_RETRIES", connector.DefaultConnectionRetries),
			RetryTimeout:       getDurationEnv("DICOM_RETRY_TIMEOUT", connector.DefaultRetryTimeout),
			ACSETimeout:        getDurationEnv("DICOM_ACSE_TIMEOUT", 30*time.Second),
			DIMSETimeout:       getDurationEnv("DICOM_DIMSE_TIMEOUT", 0),
			NetworkTimeout:     getDurationEnv("DICOM_NETWORK_TIMEOUT", 60*time.Second),
			MaxPDULength:       getIntEnv("DICOM_MAX_PDU_LENGTH", 16384),
			MoveIdleTimeout:    getDurationEnv("DICOM_MOVE_IDLE_TIMEOUT", connector.DefaultMoveIdleTimeout),
			ExcludedModalities: getStringSliceEnv("DICOM_EXCLUDED_MODALITIES", nil),
			BreakerFailures:    getIntEnv("DICOM_BREAKER_FAILURES", 5),
			BreakerTimeout:     getDurationEnv("DICOM_BREAKER_TIMEOUT", time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getStringSliceEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getStringSliceEnv("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getStringSliceEnv("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Request-ID"}),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("METRICS_ENABLED", true),
		},
	}
}

// Validate checks the values the service cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT: %d", c.Server.Port)
	}
	if err := validateAETitle("DICOM_CALLING_AE_TITLE", c.DICOM.CallingAETitle); err != nil {
		return err
	}
	if err := validateAETitle("DICOM_RECEIVER_AE_TITLE", c.DICOM.ReceiverAETitle); err != nil {
		return err
	}
	if c.DICOM.ConnectionRetries < 0 {
		return fmt.Errorf("DICOM_CONNECTION_RETRIES must not be negative")
	}
	if c.DICOM.MaxPDULength < 0 {
		return fmt.Errorf("DICOM_MAX_PDU_LENGTH must not be negative")
	}
	if c.DICOM.MoveIdleTimeout <= 0 {
		return fmt.Errorf("DICOM_MOVE_IDLE_TIMEOUT must be positive")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	switch c.Log.Format {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q", c.Log.Format)
	}
	return nil
}

// Connector returns the association settings for the DIMSE connector.
func (c *Config) Connector() connector.Config {
	cfg := connector.DefaultConfig()
	cfg.CallingAETitle = c.DICOM.CallingAETitle
	cfg.ReceiverAETitle = c.DICOM.ReceiverAETitle
	cfg.ConnectionRetries = c.DICOM.ConnectionRetries
	cfg.RetryTimeout = c.DICOM.RetryTimeout
	cfg.ACSETimeout = c.DICOM.ACSETimeout
	cfg.DIMSETimeout = c.DICOM.DIMSETimeout
	cfg.NetworkTimeout = c.DICOM.NetworkTimeout
	cfg.MaxPDULength = uint32(c.DICOM.MaxPDULength)
	cfg.MoveIdleTimeout = c.DICOM.MoveIdleTimeout
	cfg.ExcludedModalities = c.DICOM.ExcludedModalities
	return cfg
}

func validateAETitle(name, ae string) error {
	if ae == "" || len(ae) > 16 {
		return fmt.Errorf("%s must be 1 to 16 characters, got %q", name, ae)
	}
	if strings.ContainsAny(ae, `\`) {
		return fmt.Errorf("%s must not contain a backslash", name)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
