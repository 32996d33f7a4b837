// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR"    envDefault:":8080"`
	DataDir     string `env:"DATA_DIR"     envDefault:"./data"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	MaxUploadMB int64  `env:"MAX_UPLOAD_MB" envDefault:"1024"`

	// DatabaseURL is empty when Postgres is not configured.
	DatabaseURL string `env:"DATABASE_URL"`

	DetectorCmd        []string      `env:"DETECTOR_CMD"        envSeparator:" " envDefault:"python3 python/worker.py"`
	DetectorEngines    int           `env:"DETECTOR_ENGINES"    envDefault:"2"`
	DetectionThreshold float64       `env:"DETECTION_THRESHOLD" envDefault:"0.5"`
	FaceMargin         float64       `env:"FACE_MARGIN"         envDefault:"0.2"`
	WorkerTimeout      time.Duration `env:"WORKER_TIMEOUT"      envDefault:"30s"`

	RenderWorkers    int           `env:"RENDER_WORKERS"    envDefault:"4"`
	BlurStyle        string        `env:"BLUR_STYLE"        envDefault:"gauss"`
	PreviewMaxWidth  int           `env:"PREVIEW_MAX_WIDTH" envDefault:"640"`
	ProgressInterval time.Duration `env:"PROGRESS_INTERVAL" envDefault:"250ms"`

	JobTTL        time.Duration `env:"JOB_TTL"        envDefault:"24h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	EventBuffer   int           `env:"EVENT_BUFFER"   envDefault:"500"`

	MinIOEndpoint  string        `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string        `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinIOSecretKey string        `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinIOUseSSL    bool          `env:"MINIO_USE_SSL"    envDefault:"false"`
	MinIOBucket    string        `env:"MINIO_BUCKET"     envDefault:"renders"`
	MinIORegion    string        `env:"MINIO_REGION"     envDefault:"us-east-1"`
	MinIOURLExpiry time.Duration `env:"MINIO_URL_EXPIRY" envDefault:"1h"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"sentinel.jobs"`

	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" envDefault:"sentinel.video"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURLFromEnv(os.Getenv)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipelines cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.DetectorEngines < 1 {
		problems = append(problems, "DETECTOR_ENGINES must be at least 1")
	}
	if c.RenderWorkers < 1 {
		problems = append(problems, "RENDER_WORKERS must be at least 1")
	}
	if c.DetectionThreshold < 0 || c.DetectionThreshold > 1 {
		problems = append(problems, "DETECTION_THRESHOLD must be within [0, 1]")
	}
	if c.FaceMargin < 0 {
		problems = append(problems, "FACE_MARGIN must not be negative")
	}
	if c.MaxUploadMB <= 0 {
		problems = append(problems, "MAX_UPLOAD_MB must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MaxUploadBytes is the upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// postgresURLFromEnv builds a connection string from the POSTGRES_* variables
// used by docker-compose setups. It returns "" when POSTGRES_HOST is unset.
func postgresURLFromEnv(getenv func(string) string) string {
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}
