package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	// FX rate source
	FxSourceURL    string
	FxRateMaxAge   time.Duration
	FxFetchRetries int
	FxFetchTimeout time.Duration
	TargetCurrency string

	// Invoicing collaborator
	InvoiceAPIURL  string
	InvoiceTimeout time.Duration
	MaxRetries     int

	// Dead-letter alerting
	AlertsProvider       string
	MailgunDomain        string
	MailgunPrivateAPIKey string
	AlertSender          string
	AlertRecipient       string

	// Ingress rate limiting
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	maxRetriesStr := getEnv("MAX_RETRIES", "3")
	maxRetries, err := strconv.Atoi(maxRetriesStr)
	if err != nil || maxRetries < 0 {
		log.Printf("WARNING: Invalid MAX_RETRIES value '%s'. Using default 3.", maxRetriesStr)
		maxRetries = 3
	}

	Cfg = &AppConfig{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "./ionbridge.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		FxSourceURL:    getEnv("FX_SOURCE_URL", "http://localhost:8081"),
		FxRateMaxAge:   getEnvAsDuration("FX_RATE_MAX_AGE", 1*time.Hour),
		FxFetchRetries: getEnvAsInt("FX_FETCH_RETRIES", 3),
		FxFetchTimeout: getEnvAsDuration("FX_FETCH_TIMEOUT", 10*time.Second),
		TargetCurrency: getEnv("TARGET_CURRENCY", "CAD"),

		InvoiceAPIURL:  getEnv("INVOICE_API_URL", "http://localhost:8082"),
		InvoiceTimeout: getEnvAsDuration("INVOICE_TIMEOUT", 15*time.Second),
		MaxRetries:     maxRetries,

		AlertsProvider:       getEnv("ALERTS_PROVIDER", "mock"),
		MailgunDomain:        getEnv("MAILGUN_DOMAIN", ""),
		MailgunPrivateAPIKey: getEnv("MAILGUN_PRIVATE_API_KEY", ""),
		AlertSender:          getEnv("ALERT_SENDER", "alerts@example.com"),
		AlertRecipient:       getEnv("ALERT_RECIPIENT", ""),

		RateLimitInterval: getEnvAsDuration("RATE_LIMIT_INTERVAL", 100*time.Millisecond),
		RateLimitBurst:    getEnvAsInt("RATE_LIMIT_BURST", 30),
	}

	if Cfg.AlertsProvider == "mailgun" {
		if Cfg.MailgunDomain == "" {
			log.Fatalf("FATAL: MAILGUN_DOMAIN is required when ALERTS_PROVIDER is 'mailgun', but it's not set in environment or .env file.")
		}
		if Cfg.MailgunPrivateAPIKey == "" {
			log.Fatalf("FATAL: MAILGUN_PRIVATE_API_KEY is required when ALERTS_PROVIDER is 'mailgun', but it's not set in environment or .env file.")
		}
		if Cfg.AlertRecipient == "" {
			log.Fatalf("FATAL: ALERT_RECIPIENT must be configured when ALERTS_PROVIDER is 'mailgun'.")
		}
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DatabaseURL=%s, TargetCurrency=%s, AlertsProvider=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabaseURL, Cfg.TargetCurrency, Cfg.AlertsProvider)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Integer value for %s not set or empty, using default: %d", key, fallback)
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Duration value for %s not set or empty, using default: %s", key, fallback.String())
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
