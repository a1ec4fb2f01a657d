package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// Vendor Configuration:
// - EBOO_TOKEN: API token for the Eboo gateway
// - SCRIBE_TOKEN: Bearer token for the Metis/Scribe API
// - VIRA_TOKEN: Gateway token for the Avanegar (Vira) API
//
// Summarization (optional, skipped when API key is empty):
// - LLM_API_KEY: API key for the LLM provider
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: Model name to use (default: openai/gpt-4o-mini)
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 4000)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.3)
// - LLM_TIMEOUT: Request timeout in seconds (default: 120)
//
// Segmentation:
// - SEGMENT_MIN_CHUNK_SECONDS: minimum chunk length (default: 60)
// - SEGMENT_SILENCE_THRESHOLD_DB: silence detection threshold (default: -35)
// - SEGMENT_MIN_SILENCE_SECONDS: minimum silence duration (default: 0.6)
//
// System Configuration:
// - DATA_DIR: sqlite database directory (default: ./data)
// - WORK_DIR: temp directory for downloads and chunks (default: os temp)
// - INTAKE_DIR: watch folder for dropped media (empty disables the watcher)
// - INTAKE_USER: user id that owns watch-folder jobs (default: local)
// - INTAKE_VENDOR: vendor for watch-folder jobs (default: eboo)
// - WORKER_COUNT: background execution workers (default: 4)
// - SWEEP_CRON: scheduler safety-net sweep (default: every minute)
// - REAPER_CRON: stuck-job recovery sweep (default: every 2 minutes)
// - LOG_LEVEL: debug|info|warn|error (default: info)

type Config struct {
	Vendors   VendorConfig  `json:"vendors"`
	LLM       LLMConfig     `json:"llm"`
	Segment   SegmentConfig `json:"segment"`
	System    SystemConfig  `json:"system"`
	Scheduler CronConfig    `json:"scheduler"`
}

// VendorConfig holds credentials and limits for the STT vendors.
type VendorConfig struct {
	EbooToken   string `json:"eboo_token"`
	ScribeToken string `json:"scribe_token"`
	ViraToken   string `json:"vira_token"`
}

// LLMConfig holds the configuration for the summarization LLM client.
type LLMConfig struct {
	APIKey      string  `json:"api_key"`
	APIURL      string  `json:"api_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
}

// SegmentConfig holds the silence-based segmentation thresholds.
type SegmentConfig struct {
	MinChunkSeconds    float64 `json:"min_chunk_seconds"`
	SilenceThresholdDb float64 `json:"silence_threshold_db"`
	MinSilenceSeconds  float64 `json:"min_silence_seconds"`
}

// SystemConfig holds directories and worker sizing.
type SystemConfig struct {
	DataDir      string `json:"data_dir"`
	WorkDir      string `json:"work_dir"`
	IntakeDir    string `json:"intake_dir"`
	IntakeUser   string `json:"intake_user"`
	IntakeVendor string `json:"intake_vendor"`
	WorkerCount  int    `json:"worker_count"`
	LogLevel     string `json:"log_level"`
}

// CronConfig holds the periodic sweep schedules.
type CronConfig struct {
	SweepExpr  string `json:"sweep_expr"`
	ReaperExpr string `json:"reaper_expr"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Vendors: VendorConfig{
			EbooToken:   getEnvString("EBOO_TOKEN", ""),
			ScribeToken: getEnvString("SCRIBE_TOKEN", ""),
			ViraToken:   getEnvString("VIRA_TOKEN", ""),
		},
		LLM: LLMConfig{
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:       getEnvString("LLM_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 4000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.3),
			Timeout:     getEnvInt("LLM_TIMEOUT", 120),
		},
		Segment: SegmentConfig{
			MinChunkSeconds:    getEnvFloat("SEGMENT_MIN_CHUNK_SECONDS", 60),
			SilenceThresholdDb: getEnvFloat("SEGMENT_SILENCE_THRESHOLD_DB", -35),
			MinSilenceSeconds:  getEnvFloat("SEGMENT_MIN_SILENCE_SECONDS", 0.6),
		},
		System: SystemConfig{
			DataDir:      getEnvString("DATA_DIR", "./data"),
			WorkDir:      getEnvString("WORK_DIR", os.TempDir()),
			IntakeDir:    getEnvString("INTAKE_DIR", ""),
			IntakeUser:   getEnvString("INTAKE_USER", "local"),
			IntakeVendor: getEnvString("INTAKE_VENDOR", "eboo"),
			WorkerCount:  getEnvInt("WORKER_COUNT", 4),
			LogLevel:     getEnvString("LOG_LEVEL", "info"),
		},
		Scheduler: CronConfig{
			SweepExpr:  getEnvString("SWEEP_CRON", "0 * * * * *"),
			ReaperExpr: getEnvString("REAPER_CRON", "0 */2 * * * *"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set.
// Vendor tokens are deliberately not required here: a missing token is a
// per-job configuration error surfaced when that vendor is selected.
func (c *Config) validate() error {
	if c.System.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.System.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.Segment.MinChunkSeconds <= 0 {
		return fmt.Errorf("SEGMENT_MIN_CHUNK_SECONDS must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
