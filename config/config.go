package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"svr-ingest/logging"
)

// Config contains all configuration for the application
type Config struct {
	// Video Configuration
	FrameWidth    int     `yaml:"frame_width"`
	FrameHeight   int     `yaml:"frame_height"`
	ChunkDuration float64 `yaml:"chunk_duration"` // seconds of source time per chunk
	ChunkFPS      float64 `yaml:"chunk_fps"`      // target capture rate
	DrawTimestamp bool    `yaml:"draw_timestamp"`
	ChunkFormat   string  `yaml:"chunk_format"` // "mp4" (ffmpeg) or "mjpeg" (native)

	// Capture Configuration
	CaptureTimeout       time.Duration `yaml:"capture_timeout"`
	CaptureMaxRetries    int           `yaml:"capture_max_retries"`
	CaptureRetryInterval time.Duration `yaml:"capture_retries_interval"`
	FFmpegPath           string        `yaml:"ffmpeg_path"`
	FFprobePath          string        `yaml:"ffprobe_path"`

	// Storage Configuration
	ChunksDir       string `yaml:"chunks_dir"`
	MinFreeSpaceGB  int    `yaml:"min_free_space_gb"`
	MetadataBackend string `yaml:"metadata_backend"` // "sqlite" or "http"

	// Database Configuration
	DatabasePath string `yaml:"database_path"`

	// Core API Configuration (metadata store over HTTP)
	CoreAPIURL   string        `yaml:"core_api_url"`
	CoreAPIToken string        `yaml:"core_api_token"`
	CoreTimeout  time.Duration `yaml:"core_timeout"`

	// Server Configuration
	ServerPort string `yaml:"server_port"`

	// R2 Storage Configuration
	R2Enabled   bool   `yaml:"r2_enabled"`
	R2AccessKey string `yaml:"r2_access_key"`
	R2SecretKey string `yaml:"r2_secret_key"`
	R2AccountID string `yaml:"r2_account_id"`
	R2Bucket    string `yaml:"r2_bucket"`
	R2Region    string `yaml:"r2_region"`
	R2Endpoint  string `yaml:"r2_endpoint"`
	R2BaseURL   string `yaml:"r2_base_url"`
	R2Prefix    string `yaml:"r2_prefix"`

	// Redis Stream Configuration
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisStream    string `yaml:"redis_stream"`
	RedisMaxLength int64  `yaml:"redis_max_length"`

	// Worker Concurrency Configuration
	PublishConcurrency int `yaml:"publish_concurrency"`

	// Scheduled jobs
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
	DiskCheckSchedule string        `yaml:"disk_check_schedule"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Default returns the built-in configuration. Values follow the historical
// source processor settings: 640x480 frames, 60 second chunks at 1 fps.
func Default() Config {
	return Config{
		FrameWidth:           640,
		FrameHeight:          480,
		ChunkDuration:        60,
		ChunkFPS:             1,
		DrawTimestamp:        true,
		ChunkFormat:          "mp4",
		CaptureTimeout:       time.Second,
		CaptureMaxRetries:    3,
		CaptureRetryInterval: 100 * time.Millisecond,
		FFmpegPath:           "ffmpeg",
		FFprobePath:          "ffprobe",
		ChunksDir:            "./video_data/chunks",
		MinFreeSpaceGB:       5,
		MetadataBackend:      "sqlite",
		DatabasePath:         "./data/ingest.db",
		CoreAPIURL:           "http://api:8080",
		CoreTimeout:          10 * time.Second,
		ServerPort:           "8080",
		R2Region:             "auto",
		R2Prefix:             "chunks",
		RedisStream:          "video_chunks",
		RedisMaxLength:       10000,
		PublishConcurrency:   2,
		ReconcileSchedule:    "0 */1 * * * *",
		DiskCheckSchedule:    "30 */5 * * * *",
		MonitorInterval:      5 * time.Minute,
		LogLevel:             "info",
	}
}

// LoadConfig loads configuration from environment variables on top of the
// defaults. When CONFIG_FILE is set the YAML file is applied first, so
// environment variables always win.
func LoadConfig() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadConfigFromFile(path, cfg)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
	}

	cfg.FrameWidth = getEnvAsInt("FRAME_WIDTH", cfg.FrameWidth)
	cfg.FrameHeight = getEnvAsInt("FRAME_HEIGHT", cfg.FrameHeight)
	if size := os.Getenv("FRAME_SIZE"); size != "" {
		w, h, err := ParseFrameSize(size)
		if err != nil {
			return cfg, err
		}
		cfg.FrameWidth, cfg.FrameHeight = w, h
	}
	cfg.ChunkDuration = getEnvAsFloat("CHUNK_DURATION", cfg.ChunkDuration)
	cfg.ChunkFPS = getEnvAsFloat("CHUNK_FPS", cfg.ChunkFPS)
	cfg.DrawTimestamp = getEnvAsBool("DRAW_TIMESTAMP", cfg.DrawTimestamp)
	cfg.ChunkFormat = strings.ToLower(getEnv("CHUNK_FORMAT", cfg.ChunkFormat))

	cfg.CaptureTimeout = getEnvAsDuration("CAPTURE_TIMEOUT", cfg.CaptureTimeout)
	cfg.CaptureMaxRetries = getEnvAsInt("CAPTURE_MAX_RETRIES", cfg.CaptureMaxRetries)
	cfg.CaptureRetryInterval = getEnvAsDuration("CAPTURE_RETRIES_INTERVAL", cfg.CaptureRetryInterval)
	cfg.FFmpegPath = getEnv("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FFprobePath = getEnv("FFPROBE_PATH", cfg.FFprobePath)

	cfg.ChunksDir = getEnv("CHUNKS_DIR", cfg.ChunksDir)
	cfg.MinFreeSpaceGB = getEnvAsInt("MIN_FREE_SPACE_GB", cfg.MinFreeSpaceGB)
	cfg.MetadataBackend = strings.ToLower(getEnv("METADATA_BACKEND", cfg.MetadataBackend))
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)

	cfg.CoreAPIURL = getEnv("CORE_API_URL", cfg.CoreAPIURL)
	cfg.CoreAPIToken = getEnv("CORE_API_TOKEN", cfg.CoreAPIToken)
	cfg.CoreTimeout = getEnvAsDuration("CORE_API_TIMEOUT", cfg.CoreTimeout)

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)

	cfg.R2Enabled = getEnvAsBool("R2_ENABLED", cfg.R2Enabled)
	cfg.R2AccessKey = getEnv("R2_ACCESS_KEY", cfg.R2AccessKey)
	cfg.R2SecretKey = getEnv("R2_SECRET_KEY", cfg.R2SecretKey)
	cfg.R2AccountID = getEnv("R2_ACCOUNT_ID", cfg.R2AccountID)
	cfg.R2Bucket = getEnv("R2_BUCKET", cfg.R2Bucket)
	cfg.R2Region = getEnv("R2_REGION", cfg.R2Region)
	cfg.R2Endpoint = getEnv("R2_ENDPOINT", cfg.R2Endpoint)
	cfg.R2BaseURL = getEnv("R2_BASE_URL", cfg.R2BaseURL)
	cfg.R2Prefix = getEnv("R2_PREFIX", cfg.R2Prefix)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvAsInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisStream = getEnv("REDIS_STREAM", cfg.RedisStream)
	cfg.RedisMaxLength = int64(getEnvAsInt("REDIS_MAX_LENGTH", int(cfg.RedisMaxLength)))

	cfg.PublishConcurrency = getEnvAsInt("PUBLISH_CONCURRENCY", cfg.PublishConcurrency)
	cfg.ReconcileSchedule = getEnv("RECONCILE_SCHEDULE", cfg.ReconcileSchedule)
	cfg.DiskCheckSchedule = getEnv("DISK_CHECK_SCHEDULE", cfg.DiskCheckSchedule)
	cfg.MonitorInterval = getEnvAsDuration("MONITOR_INTERVAL", cfg.MonitorInterval)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvAsBool("LOG_PRETTY", cfg.LogPretty)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfigFromFile applies a YAML file on top of base. Keys missing from the
// file keep their value from base.
func LoadConfigFromFile(filePath string, base Config) (Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate enforces the accepted ranges of the video and capture settings.
func (c Config) Validate() error {
	switch {
	case c.FrameWidth < 28 || c.FrameWidth > 1920:
		return fmt.Errorf("frame width %d out of range [28, 1920]", c.FrameWidth)
	case c.FrameHeight < 28 || c.FrameHeight > 1080:
		return fmt.Errorf("frame height %d out of range [28, 1080]", c.FrameHeight)
	case c.ChunkDuration <= 1 || c.ChunkDuration > 600:
		return fmt.Errorf("chunk duration %v out of range (1, 600]", c.ChunkDuration)
	case c.ChunkFPS <= 0 || c.ChunkFPS > 60:
		return fmt.Errorf("chunk fps %v out of range (0, 60]", c.ChunkFPS)
	case c.CaptureMaxRetries < 1:
		return fmt.Errorf("capture max retries must be positive, got %d", c.CaptureMaxRetries)
	case c.CaptureRetryInterval < 0:
		return fmt.Errorf("capture retries interval must not be negative")
	case c.ChunkFormat != "mp4" && c.ChunkFormat != "mjpeg":
		return fmt.Errorf("unknown chunk format %q", c.ChunkFormat)
	case c.MetadataBackend != "sqlite" && c.MetadataBackend != "http":
		return fmt.Errorf("unknown metadata backend %q", c.MetadataBackend)
	case c.PublishConcurrency < 1:
		return fmt.Errorf("publish concurrency must be positive, got %d", c.PublishConcurrency)
	}
	return nil
}

// ParseFrameSize parses a "WIDTHxHEIGHT" string such as "640x480".
func ParseFrameSize(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid frame size %q, expected WIDTHxHEIGHT", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid frame width in %q: %w", s, err)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid frame height in %q: %w", s, err)
	}
	return w, h, nil
}

// EnsurePaths creates necessary paths
func EnsurePaths(config Config) {
	logger := logging.WithComponent("config")

	if err := os.MkdirAll(config.ChunksDir, 0755); err != nil {
		logger.Error().Err(err).Str("dir", config.ChunksDir).Msg("failed to create chunks directory")
	}

	if config.MetadataBackend == "sqlite" {
		dbDir := filepath.Dir(config.DatabasePath)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			logger.Error().Err(err).Str("dir", dbDir).Msg("failed to create database directory")
		}
	}
}

// getEnv returns environment variable or fallback value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
		warnInvalid(key, value, "integer")
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
		warnInvalid(key, value, "number")
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
		warnInvalid(key, value, "boolean")
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("250ms") or plain seconds ("0.1").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	warnInvalid(key, value, "duration")
	return fallback
}

func warnInvalid(key, value, kind string) {
	logger := logging.WithComponent("config")
	logger.Warn().Str("key", key).Str("value", value).Msgf("ignoring invalid %s", kind)
}
