package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

type Config struct {
	Workers         int    // Number of parallel analysis workers
	StateDB         string // SQLite database holding persisted runs
	ExportFormat    string // jpg, png or webp
	MonitorAddr     string // Address of the live-monitor websocket server ("" = disabled)
	ThumbnailHeight int    // Height of search-result thumbnails in pixels
}

func Load() *Config {
	return &Config{
		Workers:         getEnvAsInt("ANALYSIS_WORKERS", runtime.NumCPU()),
		StateDB:         getEnv("STATE_DB", filepath.Join(".", "data", "sharpctl.db")),
		ExportFormat:    getEnv("EXPORT_FORMAT", "jpg"),
		MonitorAddr:     getEnv("MONITOR_ADDR", ""),
		ThumbnailHeight: getEnvAsInt("THUMBNAIL_HEIGHT", 120),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
