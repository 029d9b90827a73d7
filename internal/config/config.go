package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/akylbek/payment-system/checkout-gateway/internal/processor"
)

type Config struct {
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	NATSURL      string
	Port         string

	Processor processor.Config
}

// Load reads configuration from the environment, with a .env file as
// an optional local-development convenience.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		NATSURL:      os.Getenv("NATS_URL"),
		Port:         getEnv("PORT", "8085"),
		Processor: processor.Config{
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			Environment:  getEnv("PAYPAL_ENVIRONMENT", processor.EnvironmentSandbox),
			BaseURL:      os.Getenv("PAYPAL_BASE_URL"),
			Timeout:      15 * time.Second,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
