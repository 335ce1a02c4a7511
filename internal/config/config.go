package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port            string
	DownloadDir     string
	CookieDir       string
	AllowedOrigins  string
	Environment     string // development, staging, production
	FFmpegPath      string
	BiliAPIBase     string
	BiliPassportURL string
}

// Load loads configuration from environment variables. Callers run Validate
// themselves so they control how a bad configuration is reported.
func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		DownloadDir:     getEnv("DOWNLOAD_DIR", "downloads"),
		CookieDir:       getEnv("COOKIE_DIR", "cookies"),
		AllowedOrigins:  getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		BiliAPIBase:     getEnv("BILI_API_URL", "https://api.bilibili.com"),
		BiliPassportURL: getEnv("BILI_PASSPORT_URL", "https://passport.bilibili.com"),
	}

	return cfg
}

// Validate checks configuration for security and correctness
func (c *Config) Validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}
	if c.CookieDir == "" {
		return fmt.Errorf("COOKIE_DIR must not be empty")
	}

	if c.IsProduction() && c.AllowedOrigins != "" {
		log.Println("WARNING: Ensure ALLOWED_ORIGINS uses HTTPS in production")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev" || c.Environment == ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
