package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all preceptor configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	SweepCron      string `json:"sweep_cron"`
	DefinitionsDir string `json:"definitions_dir"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(preceptorDir(), "preceptor.db"),
		LogLevel:       "info",
		SweepCron:      "*/5 * * * *",
		DefinitionsDir: filepath.Join(preceptorDir(), "definitions"),
	}
}

func preceptorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".preceptor"
	}
	return filepath.Join(home, ".preceptor")
}

func settingsPath() string {
	return filepath.Join(preceptorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PRECEPTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PRECEPTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PRECEPTOR_SWEEP_CRON"); v != "" {
		cfg.SweepCron = v
	}
	if v := os.Getenv("PRECEPTOR_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}

	return cfg
}
