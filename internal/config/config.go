/**
 * Configuration for the drawings annotation worker.
 *
 * Loads configuration from environment variables.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// HTTP API
	HTTPAddr string

	// File store root (used when DATABASE_URL is unset)
	DataDir string

	// PostgreSQL record store (optional; file store is the default)
	DatabaseURL string

	// Redis (optional; enables the job queue and distributed crop locks)
	RedisURL  string
	QueueName string

	// Collaborator service URLs
	DetectorURL string
	ReaderURL   string
	ReaderKey   string
	RendererURL string

	// Local Tesseract fallback for the text reader
	TesseractPath string

	// Rasterization settings
	PageDPI      int
	ThumbnailDPI int

	// Text reader polling
	OCRPollIntervalMs int
	OCRMaxWaitMs      int

	// Bounded retries for collaborator calls
	ExternalRetries int

	// Worker configuration
	WorkerConcurrency int
	MaxUploadSize     int64

	// Classification scopes offered to reviewers
	Scopes []string
}

// defaultScopes is the built-in trade/category catalogue. Reviewers always
// get "Others" appended on top of whatever list is configured.
var defaultScopes = []string{
	"Acoustic Treatment",
	"Acoustical Ceilings",
	"Architectural Concrete",
	"Architectural Woodwork",
	"Casework",
	"Commercial Equipment",
	"Communications",
	"Concrete",
	"Conveying Equipment",
	"Dampproofing and Waterproofing",
	"Doors, Frames & Hardware",
	"Drywall",
	"Earthwork",
	"Electrical",
	"Electrical Power Generation",
	"Electronic Safety and Security",
	"Exterior Improvements",
	"Fire Suppression",
	"Flooring",
	"Furnishings",
	"Glass and Glazing",
	"HVAC",
	"Masonry",
	"Metals",
	"Openings",
	"Painting and Coatings",
	"Plumbing",
	"Roofing",
	"Site Utilities",
	"Specialties",
	"Structural Steel",
	"Thermal and Moisture Protection",
	"Tile",
	"Utilities",
	"Waterproofing",
	"Wood, Plastics, and Composites",
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          getEnvOrDefault("HTTP_ADDR", ":8080"),
		DataDir:           getEnvOrDefault("DATA_DIR", "./data"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		RedisURL:          getEnvOrDefault("REDIS_URL", ""),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "drawings:sheets"),
		DetectorURL:       getEnvOrDefault("DETECTOR_URL", "http://figure-detector:8090"),
		ReaderURL:         getEnvOrDefault("READER_URL", ""),
		ReaderKey:         getEnvOrDefault("READER_KEY", ""),
		RendererURL:       getEnvOrDefault("RENDERER_URL", "http://page-renderer:8091"),
		TesseractPath:     getEnvOrDefault("TESSERACT_PATH", "/usr/bin/tesseract"),
		PageDPI:           getEnvAsIntOrDefault("PAGE_DPI", 100),
		ThumbnailDPI:      getEnvAsIntOrDefault("THUMBNAIL_DPI", 72),
		OCRPollIntervalMs: getEnvAsIntOrDefault("OCR_POLL_INTERVAL_MS", 1000),
		OCRMaxWaitMs:      getEnvAsIntOrDefault("OCR_MAX_WAIT_MS", 30000),
		ExternalRetries:   getEnvAsIntOrDefault("EXTERNAL_RETRIES", 3),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxUploadSize:     getEnvAsInt64OrDefault("MAX_UPLOAD_SIZE", 268435456), // 256MB
		Scopes:            getEnvAsListOrDefault("SCOPES", defaultScopes),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.DataDir == "" {
		return fmt.Errorf("either DATABASE_URL or DATA_DIR is required")
	}

	if c.PageDPI < 36 || c.PageDPI > 600 {
		return fmt.Errorf("PAGE_DPI must be between 36 and 600, got %d", c.PageDPI)
	}

	if c.ThumbnailDPI < 36 || c.ThumbnailDPI > c.PageDPI {
		return fmt.Errorf("THUMBNAIL_DPI must be between 36 and PAGE_DPI, got %d", c.ThumbnailDPI)
	}

	if c.OCRPollIntervalMs < 100 {
		return fmt.Errorf("OCR_POLL_INTERVAL_MS must be at least 100, got %d", c.OCRPollIntervalMs)
	}

	if c.OCRMaxWaitMs < c.OCRPollIntervalMs {
		return fmt.Errorf("OCR_MAX_WAIT_MS must not be below OCR_POLL_INTERVAL_MS, got %d", c.OCRMaxWaitMs)
	}

	if c.ExternalRetries < 1 || c.ExternalRetries > 10 {
		return fmt.Errorf("EXTERNAL_RETRIES must be between 1 and 10, got %d", c.ExternalRetries)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault gets a comma-separated environment variable
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
