package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Declarative documents
	ConfigFile string `env:"CONFIG_FILE" envDefault:"config/config.yaml"`
	ParamsFile string `env:"PARAMS_FILE" envDefault:"params.yaml"`

	// Logging
	LogDir    string `env:"LOG_DIR" envDefault:"logs"`
	LogFile   string `env:"LOG_FILE" envDefault:"running_logs.log"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Server
	ServerHost     string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	ServerPort     string        `env:"SERVER_PORT" envDefault:"8080"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	MaxRequestBody int64         `env:"MAX_REQUEST_BODY_BYTES" envDefault:"16777216"`

	// Prediction
	ModelPath  string `env:"MODEL_PATH" envDefault:"artifacts/training/model.gob"`
	InputImage string `env:"INPUT_IMAGE" envDefault:"inputImage.jpg"`
	UploadDir  string `env:"UPLOAD_DIR"`
	// PredictionLogURL enables the prediction log (postgres:// or sqlite://).
	PredictionLogURL string `env:"PREDICTION_LOG_URL"`

	// Pipeline
	ShowProgress bool          `env:"SHOW_PROGRESS" envDefault:"true"`
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" envDefault:"10m"`

	// S3 dataset sources
	AWSRegion          string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3EndpointURL      string `env:"S3_ENDPOINT_URL"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`

	// Experiment tracking
	TrackingUsername     string `env:"MLFLOW_TRACKING_USERNAME"`
	TrackingPassword     string `env:"MLFLOW_TRACKING_PASSWORD"`
	TrackingTokenURL     string `env:"TRACKING_TOKEN_URL"`
	TrackingClientID     string `env:"TRACKING_CLIENT_ID"`
	TrackingClientSecret string `env:"TRACKING_CLIENT_SECRET"`
	// TrackingTimeout bounds each evaluation's exchange with the tracking endpoint.
	TrackingTimeout time.Duration `env:"TRACKING_TIMEOUT" envDefault:"30s"`
}

// Load reads a .env file when one exists, then the process environment.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	return &cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}
