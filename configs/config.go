package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Execution core
	FFmpegPath       string
	AllowedInputRoot string
	MaxInputBytes    int64
	WorkerCapacity   int // 0 = derive from host resources
	QueueCapacity    int // 0 = effectively unbounded
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	KillGracePeriod  time.Duration
	CaptureLimit     int // bytes retained per captured stream

	// Failure classification
	TransientExitCodes     []int
	TransientErrorPatterns []string

	// Caller layer
	APIPort      string
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	RedisHost    string
	RedisPort    string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	LogDir       string
	RetentionAge time.Duration
	OTLPEndpoint string
}

func LoadConfig() *Config {
	return &Config{
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		AllowedInputRoot: getEnv("INPUT_ROOT", "/data/media"),
		MaxInputBytes:    getEnvAsInt64("MAX_INPUT_BYTES", 2<<30),
		WorkerCapacity:   getEnvAsInt("WORKER_CAPACITY", 0),
		QueueCapacity:    getEnvAsInt("QUEUE_CAPACITY", 0),
		DefaultTimeout:   getEnvAsDuration("DEFAULT_TIMEOUT", 5*time.Minute),
		MaxTimeout:       getEnvAsDuration("MAX_TIMEOUT", 30*time.Minute),
		KillGracePeriod:  getEnvAsDuration("KILL_GRACE_PERIOD", 5*time.Second),
		CaptureLimit:     getEnvAsInt("CAPTURE_LIMIT_BYTES", 64*1024),

		// ffmpeg convention: 0 success, anything else failure. 137 is SIGKILL
		// (usually the OOM killer); both it and EAGAIN-style stderr noise are
		// worth retrying unchanged.
		TransientExitCodes: getEnvAsInts("TRANSIENT_EXIT_CODES", []int{137}),
		TransientErrorPatterns: getEnvAsList("TRANSIENT_ERROR_PATTERNS", []string{
			"Resource temporarily unavailable",
			"Connection reset by peer",
			"Cannot allocate memory",
		}),

		APIPort:      getEnv("API_PORT", "8000"),
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBPort:       getEnv("DB_PORT", "5432"),
		DBUser:       getEnv("DB_USER", "mediaforged"),
		DBPassword:   getEnv("DB_PASSWORD", "password"),
		DBName:       getEnv("DB_NAME", "mediaforged"),
		RedisHost:    getEnv("REDIS_HOST", "localhost"),
		RedisPort:    getEnv("REDIS_PORT", "6379"),
		S3Bucket:     getEnv("S3_BUCKET", ""),
		S3Region:     getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		LogDir:       getEnv("LOG_DIR", "/var/lib/mediaforged/logs"),
		RetentionAge: getEnvAsDuration("RETENTION_AGE", 7*24*time.Hour),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	parts := strings.Split(valueStr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnvAsInts(key string, fallback []int) []int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(valueStr, ",") {
		if v, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
