package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                 string
	JWTSecret            string
	KeyBaseSecret        string
	KeyPepper            string
	KeyWindow            time.Duration
	RedisURL             string
	RedisPassword        string
	DatabaseURL          string
	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBConnMaxLifetimeMin int
	IdentityBaseURL      string
	KeycastWSURL         string
	BotEmail             string
	BotPassword          string
	BotDisplayName       string
	CredentialFile       string
	RelayTargetsFile     string
	PublisherToken       string
	PublisherBaseURL     string
	AllowedOrigins       []string
}

var AppConfig *Config

func LoadConfig() *Config {
	port := GetEnv("PORT", "8080")

	// Security
	jwtSecret := GetEnv("JWT_SECRET", "your-secret-key-change-this-in-production")
	keyBaseSecret := GetEnv("KEY_BASE_SECRET", "change-this-base-secret")
	keyPepper := GetEnv("KEY_PEPPER", "change-this-pepper")
	keyWindowMin := GetEnvAsInt("KEY_WINDOW_MINUTES", 5)

	// Database Config
	dbURL := GetEnv("DATABASE_URL", GetEnv("DATABASE_URI", ""))
	dbMaxOpenConns := GetEnvAsInt("DB_MAX_OPEN_CONNS", 25)
	dbMaxIdleConns := GetEnvAsInt("DB_MAX_IDLE_CONNS", 25)
	dbConnMaxLifetimeMin := GetEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 5)

	// CORS
	allowedOriginsStr := GetEnv("ALLOWED_ORIGINS", "")
	var allowedOrigins []string
	if allowedOriginsStr != "" {
		for _, origin := range strings.Split(allowedOriginsStr, ",") {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				allowedOrigins = append(allowedOrigins, trimmed)
			}
		}
	}

	AppConfig = &Config{
		Port:                 port,
		JWTSecret:            jwtSecret,
		KeyBaseSecret:        keyBaseSecret,
		KeyPepper:            keyPepper,
		KeyWindow:            time.Duration(keyWindowMin) * time.Minute,
		RedisURL:             GetEnv("REDIS_URL", "localhost:6379"),
		RedisPassword:        GetEnv("REDIS_PASSWORD", ""),
		DatabaseURL:          dbURL,
		DBMaxOpenConns:       dbMaxOpenConns,
		DBMaxIdleConns:       dbMaxIdleConns,
		DBConnMaxLifetimeMin: dbConnMaxLifetimeMin,
		IdentityBaseURL:      GetEnv("IDENTITY_BASE_URL", "http://localhost:3001"),
		KeycastWSURL:         GetEnv("KEYCAST_WS_URL", "ws://localhost:8080/ws"),
		BotEmail:             GetEnv("BOT_EMAIL", "relaybot@quillhaven.local"),
		BotPassword:          GetEnv("BOT_PASSWORD", ""),
		BotDisplayName:       GetEnv("BOT_DISPLAY_NAME", "KeycastRelay"),
		CredentialFile:       GetEnv("CREDENTIAL_FILE", "credential.json"),
		RelayTargetsFile:     GetEnv("RELAY_TARGETS_FILE", "relay_targets.json"),
		PublisherToken:       GetEnv("PUBLISHER_TOKEN", ""),
		PublisherBaseURL:     GetEnv("PUBLISHER_BASE_URL", "https://discord.com/api/v10"),
		AllowedOrigins:       allowedOrigins,
	}

	return AppConfig
}

func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
