package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds all environment-derived settings. It is built once at
// startup and passed explicitly to each component; no component reads
// the environment on its own.
type Config struct {
	Port        string
	Environment string

	// Local store
	DBPath       string
	LockFilePath string

	// Orchestrator tuning
	FetchConcurrency int
	FetchDelayMinMS  int
	FetchDelayMaxMS  int
	MaxRetries       int
	FullHistoryStart time.Time

	// Object storage backend (Supabase Storage)
	StorageURL    string
	StorageAPIKey string
	StorageBucket string

	// Repository backend (GitHub contents API)
	RepoOwner  string
	RepoName   string
	RepoBranch string
	RepoToken  string

	// Notification
	TelegramBotToken string
	TelegramChatID   string
	ResendAPIKey     string
	ReportEmailTo    string

	// Conflict audit archive (optional)
	MongoURI      string
	MongoDatabase string

	// Admin API
	JWTSecret         string
	AdminPasswordHash string // bcrypt hash

	// Scheduler run times, UTC HH:MM (after each market's session close)
	TWUpdateTime string
	USUpdateTime string
	HKUpdateTime string
}

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	historyStart, err := time.Parse("2006-01-02", getEnv("FULL_HISTORY_START", "2010-01-01"))
	if err != nil {
		return nil, fmt.Errorf("invalid FULL_HISTORY_START: %w", err)
	}

	config := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBPath:       getEnv("DB_PATH", "data/global_stock_warehouse.db"),
		LockFilePath: getEnv("LOCK_FILE_PATH", "data/warehouse.lock"),

		FetchConcurrency: getEnvInt("FETCH_CONCURRENCY", 3),
		FetchDelayMinMS:  getEnvInt("FETCH_DELAY_MIN_MS", 200),
		FetchDelayMaxMS:  getEnvInt("FETCH_DELAY_MAX_MS", 500),
		MaxRetries:       getEnvInt("MAX_RETRIES", 5),
		FullHistoryStart: historyStart,

		StorageURL:    getEnv("STORAGE_URL", ""),
		StorageAPIKey: getEnv("STORAGE_SERVICE_KEY", ""),
		StorageBucket: getEnv("STORAGE_BUCKET", "stock-warehouse"),

		RepoOwner:  getEnv("REPO_OWNER", ""),
		RepoName:   getEnv("REPO_NAME", ""),
		RepoBranch: getEnv("REPO_BRANCH", "main"),
		RepoToken:  getEnv("REPO_TOKEN", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		ResendAPIKey:     getEnv("RESEND_API_KEY", ""),
		ReportEmailTo:    getEnv("REPORT_EMAIL_TO", ""),

		MongoURI:      getEnv("MONGODB_URI", ""),
		MongoDatabase: getEnv("MONGODB_DATABASE", "stock_warehouse"),

		JWTSecret:         getEnv("JWT_SECRET", "your-secret-key"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),

		TWUpdateTime: getEnv("TW_UPDATE_TIME", "06:00"),
		HKUpdateTime: getEnv("HK_UPDATE_TIME", "08:30"),
		USUpdateTime: getEnv("US_UPDATE_TIME", "21:30"),
	}

	return config, nil
}

// InitDB opens the SQLite warehouse file and applies the pragmas the
// store relies on (WAL keeps readers unblocked while one writer commits).
func InitDB(cfg *Config) (*gorm.DB, error) {
	log.Printf("Opening warehouse database: %s", cfg.DBPath)

	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath+"?_busy_timeout=60000"), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		log.Printf("Database open error: %v", err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between the fetch workers.
	sqlDB.SetMaxOpenConns(1)

	log.Printf("Database connection verified successfully")
	return db, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}
