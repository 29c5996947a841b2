// Package config loads application configuration from environment
// variables and an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// RecognizerEndpoint points at the external document-recognition API.
	RecognizerEndpoint string
	RecognizerAPIKey   string

	// CorrectorEndpoint points at the language-model correction API.
	CorrectorEndpoint string
	CorrectorAPIKey   string
	CorrectorModel    string
	// CorrectorThreshold is the confidence below which a field is sent
	// for correction.
	CorrectorThreshold float64

	// UploadDir is where the local file store keeps uploaded documents.
	UploadDir string

	// ValidationTolerance is the absolute tolerance for aggregation
	// checks, as a wire decimal string.
	ValidationTolerance string

	MetricsEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "invora"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "invora"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RecognizerEndpoint: strings.TrimSpace(getenv("RECOGNIZER_ENDPOINT", "")),
		RecognizerAPIKey:   strings.TrimSpace(getenv("RECOGNIZER_API_KEY", "")),

		CorrectorEndpoint:  strings.TrimSpace(getenv("CORRECTOR_ENDPOINT", "")),
		CorrectorAPIKey:    strings.TrimSpace(getenv("CORRECTOR_API_KEY", "")),
		CorrectorModel:     getenv("CORRECTOR_MODEL", "gpt-4o-mini"),
		CorrectorThreshold: getenvFloat("CORRECTOR_THRESHOLD", 0.7),

		UploadDir: getenv("UPLOAD_DIR", "uploads"),

		ValidationTolerance: getenv("VALIDATION_TOLERANCE", "0.01"),

		MetricsEnabled: getenvBool("OTEL_ENABLED", false),
		OTLPEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:   strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
	}
}

// Module provides the loaded configuration.
var Module = fx.Provide(Load)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
