package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	LogLevel    string `yaml:"logLevel"`
	LogFormat   string `yaml:"logFormat"`
	ServiceName string `yaml:"serviceName"`

	// Object store: "s3" or "local"
	StorageBackend  string `yaml:"storageBackend"`
	LocalStorageDir string `yaml:"localStorageDir"`

	// S3
	S3Endpoint        string `yaml:"s3Endpoint"`
	S3AccessKeyID     string `yaml:"s3AccessKeyId"`
	S3SecretAccessKey string `yaml:"s3SecretAccessKey"`
	S3BucketName      string `yaml:"s3BucketName"`
	S3UseSSL          bool   `yaml:"s3UseSsl"`

	// Storage layout
	UploadsFolder      string `yaml:"uploadsFolder"`
	TrainingDataFolder string `yaml:"trainingDataFolder"`
	ModelsFolder       string `yaml:"modelsFolder"`

	// Redis (cache + task queue)
	RedisAddr       string `yaml:"redisAddr"`
	RedisPassword   string `yaml:"redisPassword"`
	RedisDB         int    `yaml:"redisDb"`
	CacheTTLSeconds int    `yaml:"cacheTtlSeconds"`

	// Task pipeline
	MaxRetries               int    `yaml:"maxRetries"`
	BackoffPolicy            string `yaml:"backoffPolicy"`
	RetryDelaySeconds        int    `yaml:"retryDelaySeconds"`
	RetryMaxDelaySeconds     int    `yaml:"retryMaxDelaySeconds"`
	TaskTimeoutSeconds       int    `yaml:"taskTimeoutSeconds"`
	WorkerConcurrency        int    `yaml:"workerConcurrency"`
	PollIntervalMillis       int    `yaml:"pollIntervalMillis"`
	ReconcileIntervalSeconds int    `yaml:"reconcileIntervalSeconds"`

	// Processing
	ModelDir           string `yaml:"modelDir"`
	ImageSize          int    `yaml:"imageSize"`
	MaxTrainingSamples int    `yaml:"maxTrainingSamples"`
	TabularChunkRows   int    `yaml:"tabularChunkRows"`

	// OpenRouter
	OpenRouterAPIKey string `yaml:"openRouterApiKey"`
	OpenRouterModel  string `yaml:"openRouterModel"`

	// Tracing
	TracingEnabled     bool    `yaml:"tracingEnabled"`
	OTLPEndpoint       string  `yaml:"otlpEndpoint"`
	OTLPInsecure       bool    `yaml:"otlpInsecure"`
	TracingSampleRatio float64 `yaml:"tracingSampleRatio"`

	// Upload limits
	MaxUploadSize int64 `yaml:"maxUploadSize"`
	MaxImageSize  int64 `yaml:"maxImageSize"`
}

// Load reads the optional YAML file named by CONFIG_PATH, applies environment
// overrides and fills defaults.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)

	c.StorageBackend = getEnv("STORAGE_BACKEND", c.StorageBackend)
	c.LocalStorageDir = getEnv("LOCAL_STORAGE_DIR", c.LocalStorageDir)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKeyID = getEnv("S3_ACCESS_KEY_ID", c.S3AccessKeyID)
	c.S3SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", c.S3SecretAccessKey)
	c.S3BucketName = getEnv("S3_BUCKET_NAME", c.S3BucketName)
	c.S3UseSSL = getEnvBool("S3_USE_SSL", c.S3UseSSL)
	c.UploadsFolder = getEnv("UPLOADS_FOLDER", c.UploadsFolder)
	c.TrainingDataFolder = getEnv("S3_TRAINING_DATA_FOLDER", c.TrainingDataFolder)
	c.ModelsFolder = getEnv("MODELS_FOLDER", c.ModelsFolder)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.CacheTTLSeconds = getEnvInt("CACHE_TTL_SECONDS", c.CacheTTLSeconds)

	c.MaxRetries = getEnvInt("MAX_RETRIES", c.MaxRetries)
	c.BackoffPolicy = getEnv("BACKOFF_POLICY", c.BackoffPolicy)
	c.RetryDelaySeconds = getEnvInt("RETRY_DELAY_SECONDS", c.RetryDelaySeconds)
	c.RetryMaxDelaySeconds = getEnvInt("RETRY_MAX_DELAY_SECONDS", c.RetryMaxDelaySeconds)
	c.TaskTimeoutSeconds = getEnvInt("TASK_TIMEOUT_SECONDS", c.TaskTimeoutSeconds)
	c.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.PollIntervalMillis = getEnvInt("POLL_INTERVAL_MILLIS", c.PollIntervalMillis)
	c.ReconcileIntervalSeconds = getEnvInt("RECONCILE_INTERVAL_SECONDS", c.ReconcileIntervalSeconds)

	c.ModelDir = getEnv("MODEL_DIR", c.ModelDir)
	c.ImageSize = getEnvInt("IMAGE_SIZE", c.ImageSize)
	c.MaxTrainingSamples = getEnvInt("MAX_TRAINING_SAMPLES", c.MaxTrainingSamples)
	c.TabularChunkRows = getEnvInt("TABULAR_CHUNK_ROWS", c.TabularChunkRows)

	c.OpenRouterAPIKey = getEnv("OPENROUTER_API_KEY", c.OpenRouterAPIKey)
	c.OpenRouterModel = getEnv("OPENROUTER_MODEL", c.OpenRouterModel)

	c.TracingEnabled = getEnvBool("TRACING_ENABLED", c.TracingEnabled)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.OTLPInsecure = getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", c.OTLPInsecure)
	if v := os.Getenv("TRACING_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TracingSampleRatio = f
		}
	}

	c.MaxUploadSize = int64(getEnvInt("MAX_UPLOAD_SIZE", int(c.MaxUploadSize)))
	c.MaxImageSize = int64(getEnvInt("MAX_IMAGE_SIZE", int(c.MaxImageSize)))
}

func applyDefaults(c *Config) {
	setDefault(&c.Port, "8080")
	setDefault(&c.DatabaseURL, "data/uploads.db")
	setDefault(&c.LogLevel, "info")
	setDefault(&c.LogFormat, "json")
	setDefault(&c.ServiceName, "upload-insights")
	setDefault(&c.StorageBackend, "s3")
	setDefault(&c.LocalStorageDir, "data/objects")
	setDefault(&c.S3Endpoint, "localhost:9000")
	setDefault(&c.S3AccessKeyID, "minioadmin")
	setDefault(&c.S3SecretAccessKey, "minioadmin")
	setDefault(&c.S3BucketName, "uploads")
	setDefault(&c.UploadsFolder, "uploads")
	setDefault(&c.TrainingDataFolder, "training_data")
	setDefault(&c.ModelsFolder, "models")
	setDefault(&c.RedisAddr, "localhost:6379")
	setDefault(&c.BackoffPolicy, "fixed")
	setDefault(&c.ModelDir, "data/models")
	setDefault(&c.OpenRouterModel, "openai/gpt-4o-mini")

	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 3600
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 && os.Getenv("MAX_RETRIES") == "" {
		c.MaxRetries = 3
	}
	if c.RetryDelaySeconds <= 0 {
		c.RetryDelaySeconds = 60
	}
	if c.RetryMaxDelaySeconds <= 0 {
		c.RetryMaxDelaySeconds = 900
	}
	// 0 is allowed and means unbounded.
	if c.TaskTimeoutSeconds < 0 || (c.TaskTimeoutSeconds == 0 && os.Getenv("TASK_TIMEOUT_SECONDS") == "") {
		c.TaskTimeoutSeconds = 1800
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 2
	}
	if c.PollIntervalMillis <= 0 {
		c.PollIntervalMillis = 1000
	}
	if c.ReconcileIntervalSeconds <= 0 {
		c.ReconcileIntervalSeconds = 60
	}
	if c.ImageSize <= 0 {
		c.ImageSize = 224
	}
	if c.MaxTrainingSamples <= 0 {
		c.MaxTrainingSamples = 200
	}
	if c.TabularChunkRows <= 0 {
		c.TabularChunkRows = 50000
	}
	if c.TracingSampleRatio <= 0 || c.TracingSampleRatio > 1 {
		c.TracingSampleRatio = 1
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = 1 << 30 // 1GB
	}
	if c.MaxImageSize <= 0 {
		c.MaxImageSize = 10 << 20 // 10MB
	}
}

func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "s3", "local":
	default:
		return fmt.Errorf("invalid storage backend %q (want s3 or local)", c.StorageBackend)
	}
	switch c.BackoffPolicy {
	case "fixed", "linear", "exponential", "exp_equal_jitter", "exp_full_jitter":
	default:
		return fmt.Errorf("invalid backoff policy %q", c.BackoffPolicy)
	}
	if c.StorageBackend == "s3" && strings.TrimSpace(c.S3BucketName) == "" {
		return fmt.Errorf("S3_BUCKET_NAME is required")
	}
	return nil
}

func (c *Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }

func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "":
		return defaultValue
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
