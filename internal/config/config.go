package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	AppEnv string
	Port   string

	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	QueueBufferSize  int
	QueueMaxAttempts int

	AMQPURL      string
	AMQPExchange string

	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIOrganization   string
	OpenAITimeout        time.Duration
	OpenAIMaxRetries     int
	OpenAIVisionModel    string
	OpenAIImageModel     string
	OpenAIImageEditModel string

	LumaAPIKey       string
	LumaBaseURL      string
	LumaTimeout      time.Duration
	LumaMaxRetries   int
	LumaPollInterval time.Duration
	LumaMaxAttempts  int

	ImagenProjectID   string
	ImagenLocation    string
	ImagenModel       string
	ImagenAccessToken string
	ImagenBaseURL     string
	ImagenTimeout     time.Duration
	ImagenMaxRetries  int

	RenovationProvider string

	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3Region        string
	S3UseSSL        bool
	S3PublicBaseURL string

	PublicBaseURL string
	PromptsFile   string

	JobTimeoutPolicy  string
	JobMaxConcurrency int
	ShutdownTimeout   time.Duration

	UploadMaxBytes int64

	WorkerEnabled bool
}

func Load() Config {
	return Config{
		AppEnv: getEnv("APP_ENV", "production"),
		Port:   getEnv("PORT", "8080"),

		AuthToken:      getEnv("API_AUTH_TOKEN", ""),
		CORSOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "renovation_jobs"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "renovation_jobs_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "renovation_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		QueueBufferSize:  getEnvInt("QUEUE_BUFFER_SIZE", 512),
		QueueMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "renovation.jobs"),

		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrganization:   getEnv("OPENAI_ORGANIZATION", ""),
		OpenAITimeout:        getEnvDuration("OPENAI_TIMEOUT", 120*time.Second),
		OpenAIMaxRetries:     getEnvInt("OPENAI_MAX_RETRIES", 1),
		OpenAIVisionModel:    getEnv("OPENAI_VISION_MODEL", "gpt-4o"),
		OpenAIImageModel:     getEnv("OPENAI_IMAGE_MODEL", "dall-e-3"),
		OpenAIImageEditModel: getEnv("OPENAI_IMAGE_EDIT_MODEL", "gpt-image-1"),

		LumaAPIKey:       getEnv("LUMA_API_KEY", ""),
		LumaBaseURL:      getEnv("LUMA_BASE_URL", "https://api.lumalabs.ai/dream-machine/v1"),
		LumaTimeout:      getEnvDuration("LUMA_TIMEOUT", 30*time.Second),
		LumaMaxRetries:   getEnvInt("LUMA_MAX_RETRIES", 0),
		LumaPollInterval: getEnvDuration("LUMA_POLL_INTERVAL", 5*time.Second),
		LumaMaxAttempts:  getEnvInt("LUMA_MAX_ATTEMPTS", 60),

		ImagenProjectID:   getEnv("IMAGEN_PROJECT_ID", ""),
		ImagenLocation:    getEnv("IMAGEN_LOCATION", "us-central1"),
		ImagenModel:       getEnv("IMAGEN_MODEL", "imagen-3.0-generate-002"),
		ImagenAccessToken: getEnv("IMAGEN_ACCESS_TOKEN", ""),
		ImagenBaseURL:     getEnv("IMAGEN_BASE_URL", ""),
		ImagenTimeout:     getEnvDuration("IMAGEN_TIMEOUT", 120*time.Second),
		ImagenMaxRetries:  getEnvInt("IMAGEN_MAX_RETRIES", 1),

		RenovationProvider: strings.ToLower(getEnv("RENOVATION_PROVIDER", "openai")),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3Bucket:        getEnv("S3_BUCKET", "renovations"),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3UseSSL:        getEnvBool("S3_USE_SSL", true),
		S3PublicBaseURL: getEnv("S3_PUBLIC_BASE_URL", ""),

		PublicBaseURL: strings.TrimSuffix(getEnv("PUBLIC_BASE_URL", ""), "/"),
		PromptsFile:   getEnv("PROMPTS_FILE", ""),

		JobTimeoutPolicy:  strings.ToLower(getEnv("JOB_TIMEOUT_POLICY", "fail")),
		JobMaxConcurrency: getEnvInt("JOB_MAX_CONCURRENCY", 32),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		UploadMaxBytes: int64(getEnvInt("UPLOAD_MAX_BYTES", 20<<20)),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),
	}
}

// S3Configured reports whether blob storage credentials are complete.
func (c Config) S3Configured() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("5s") or plain milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
