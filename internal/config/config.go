package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Engine   EngineConfig
	Pipeline PipelineConfig
	Quota    QuotaConfig
	Auth     AuthConfig
}

type AppConfig struct {
	Port        string
	Environment string
	LogFilePath string
}

type DatabaseConfig struct {
	URL string
}

type EngineConfig struct {
	BaseURL        string
	PreviewBaseURL string
	PreviewTimeout time.Duration
}

type PipelineConfig struct {
	ConfirmTimeout    time.Duration
	MaxRepairAttempts int
	SessionIdleTTL    time.Duration
	EvictionAckWait   time.Duration
}

type QuotaConfig struct {
	FreeDailyLimit  int
	BasicDailyLimit int
	ProDailyLimit   int
}

type AuthConfig struct {
	JWTSecret     string
	TokenDuration time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	return &Config{
		App: AppConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("GO_ENV", "development"),
			LogFilePath: getEnv("LOG_FILE_PATH", "orchestrator.log"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Engine: EngineConfig{
			BaseURL:        getEnv("ENGINE_URL", "http://localhost:8001"),
			PreviewBaseURL: getEnv("PREVIEW_URL", "http://localhost:8002"),
			PreviewTimeout: getEnvAsDuration("PREVIEW_TIMEOUT", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			ConfirmTimeout:    getEnvAsDuration("CONFIRM_TIMEOUT", 60*time.Second),
			MaxRepairAttempts: getEnvAsInt("MAX_REPAIR_ATTEMPTS", 1),
			SessionIdleTTL:    getEnvAsDuration("SESSION_IDLE_TTL", time.Hour),
			EvictionAckWait:   getEnvAsDuration("EVICTION_ACK_WAIT", 5*time.Second),
		},
		Quota: QuotaConfig{
			FreeDailyLimit:  getEnvAsInt("QUOTA_FREE_DAILY", 5),
			BasicDailyLimit: getEnvAsInt("QUOTA_BASIC_DAILY", 100),
			ProDailyLimit:   getEnvAsInt("QUOTA_PRO_DAILY", 1000),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			TokenDuration: getEnvAsDuration("JWT_TOKEN_DURATION", 24*time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
