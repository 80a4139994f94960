package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	// Generation pipeline.
	Backend            string
	BackendURL         string
	SamplerName        string
	SyntheticStepDelay time.Duration

	// Queue and job lifecycle.
	QueueMaxSize    int
	JobTimeout      time.Duration
	JobRetention    time.Duration
	CleanupInterval time.Duration

	// Request defaults.
	DefaultWidth    int
	DefaultHeight   int
	DefaultSteps    int
	DefaultGuidance float64

	// Filesystem layout.
	LorasDir  string
	OutputDir string

	// Optional durable archive.
	DatabaseURL string

	// Design assistant.
	AssistantProvider string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8000"),
		Backend:            getEnv("PIPELINE_BACKEND", "synthetic"),
		BackendURL:         getEnv("BACKEND_URL", "http://127.0.0.1:7860"),
		SamplerName:        getEnv("SAMPLER_NAME", "Euler a"),
		SyntheticStepDelay: getEnvDuration("SYNTHETIC_STEP_DELAY", 50*time.Millisecond),
		QueueMaxSize:       getEnvInt("QUEUE_MAX_SIZE", 10),
		JobTimeout:         getEnvDuration("JOB_TIMEOUT", 5*time.Minute),
		JobRetention:       getEnvDuration("JOB_RETENTION", time.Hour),
		CleanupInterval:    getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
		DefaultWidth:       getEnvInt("DEFAULT_WIDTH", 1024),
		DefaultHeight:      getEnvInt("DEFAULT_HEIGHT", 768),
		DefaultSteps:       getEnvInt("DEFAULT_STEPS", 30),
		DefaultGuidance:    getEnvFloat("DEFAULT_GUIDANCE_SCALE", 7.5),
		LorasDir:           getEnv("LORAS_DIR", "loras"),
		OutputDir:          getEnv("OUTPUT_DIR", "output"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AssistantProvider:  getEnv("ASSISTANT_PROVIDER", "static"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),
	}

	switch cfg.Backend {
	case "synthetic", "webui":
	default:
		return nil, fmt.Errorf("PIPELINE_BACKEND must be synthetic or webui, got %q", cfg.Backend)
	}
	if cfg.Backend == "webui" && cfg.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL is required for the webui backend")
	}
	if cfg.AssistantProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai assistant")
	}
	if cfg.QueueMaxSize < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_SIZE must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
