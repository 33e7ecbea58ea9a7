package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port              string
	DBDriver          string // "sqlite" or "postgres"
	DBConn            string
	LogLevel          string
	KafkaBrokers      []string // empty disables event publishing
	KafkaTopic        string
	StatusRefreshSpec string // cron spec for the overdue status refresh
}

// NewConfig loads configuration from environment variables, with a .env file
// as optional fallback.
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBDriver:          getEnv("DB_DRIVER", "sqlite"),
		DBConn:            getEnv("DB_CONN", "cuotaledger.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "payments.recorded"),
		StatusRefreshSpec: getEnv("STATUS_REFRESH_CRON", "15 0 * * *"),
	}
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.DBConn == "" {
		return nil, fmt.Errorf("DB_CONN is required")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
