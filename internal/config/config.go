package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string
	ProviderBaseURL     string
	ProviderTokenURL    string
	ProviderClientID    string
	ProviderScope       string
	WebhookBaseURL      string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("QUILLBOX_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("QUILLBOX_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("QUILLBOX_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("QUILLBOX_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("QUILLBOX_DB_USER", "quillbox"),
		DBPassword:          os.Getenv("QUILLBOX_DB_PASSWORD"),
		DBName:              getEnvOrDefault("QUILLBOX_DB_NAME", "quillbox"),
		DBSSLMode:           getEnvOrDefault("QUILLBOX_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		ProviderBaseURL:     getEnvOrDefault("QUILLBOX_PROVIDER_BASE_URL", "https://graph.microsoft.com/v1.0"),
		ProviderTokenURL:    getEnvOrDefault("QUILLBOX_PROVIDER_TOKEN_URL", "https://login.microsoftonline.com/common/oauth2/v2.0/token"),
		ProviderClientID:    os.Getenv("QUILLBOX_PROVIDER_CLIENT_ID"),
		ProviderScope:       getEnvOrDefault("QUILLBOX_PROVIDER_SCOPE", "offline_access Mail.Read"),
		WebhookBaseURL:      os.Getenv("QUILLBOX_WEBHOOK_BASE_URL"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("QUILLBOX_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("QUILLBOX_DB_PASSWORD is required")
	}

	if c.ProviderClientID == "" {
		return fmt.Errorf("QUILLBOX_PROVIDER_CLIENT_ID is required")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
