package core

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jo-hoe/streetscan/internal/classifier"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"
)

const accessTokenEnv = "IMAGERY_ACCESS_TOKEN"

type Database struct {
	Type             string `yaml:"type" validate:"required,oneof=sqlite"`
	ConnectionString string `yaml:"connectionString" validate:"required"`
}

type ImageryConfig struct {
	BaseURL        string `yaml:"baseURL" validate:"required,url"`
	AccessToken    string `yaml:"accessToken"`
	PageSize       int    `yaml:"pageSize" validate:"min=1,max=2000"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" validate:"min=1"`
}

func (c ImageryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type ClassifierConfig struct {
	InferenceURL   string  `yaml:"inferenceURL" validate:"required,url"`
	Confidence     float64 `yaml:"confidence" validate:"gt=0,lte=1"`
	JPEGQuality    int     `yaml:"jpegQuality" validate:"min=1,max=100"`
	TimeoutSeconds int     `yaml:"timeoutSeconds" validate:"min=1"`
}

func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheConfig enables the Redis thumbnail cache when RedisAddress is set.
type CacheConfig struct {
	RedisAddress string `yaml:"redisAddress"`
	TTLSeconds   int    `yaml:"ttlSeconds" validate:"min=0"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type OutputConfig struct {
	GeoJSONPath string `yaml:"geojsonPath" validate:"required"`
	SummaryPath string `yaml:"summaryPath" validate:"required"`
	ExportDir   string `yaml:"exportDir" validate:"required"`
}

type ServiceConfig struct {
	Port       int              `yaml:"port" validate:"min=1,max=65535"`
	LogLevel   string           `yaml:"logLevel" validate:"oneof=debug info warn error"`
	Database   Database         `yaml:"database"`
	Imagery    ImageryConfig    `yaml:"imagery"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Cache      CacheConfig      `yaml:"cache"`
	Output     OutputConfig     `yaml:"output"`
}

// DefaultConfig returns the configuration used for every key the file omits.
func DefaultConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:     8080,
		LogLevel: "info",
		Database: Database{
			Type:             "sqlite",
			ConnectionString: "static/streetscan.db",
		},
		Imagery: ImageryConfig{
			BaseURL:        "https://graph.mapillary.com",
			PageSize:       1000,
			TimeoutSeconds: 30,
		},
		Classifier: ClassifierConfig{
			InferenceURL:   "http://localhost:8000/predict",
			Confidence:     classifier.DefaultConfidence,
			JPEGQuality:    classifier.DefaultJPEGQuality,
			TimeoutSeconds: 60,
		},
		Cache: CacheConfig{
			TTLSeconds: 24 * 60 * 60,
		},
		Output: OutputConfig{
			GeoJSONPath: "static/images.geojson",
			SummaryPath: "classification_summary.txt",
			ExportDir:   "exported_images",
		},
	}
}

// LoadConfig loads configuration from the specified YAML file
func LoadConfig(configPath string) (*ServiceConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Unmarshalling over the defaults keeps every key the file leaves out
	config := DefaultConfig()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if token := strings.TrimSpace(os.Getenv(accessTokenEnv)); token != "" {
		config.Imagery.AccessToken = token
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", configPath, err)
	}
	if config.Imagery.AccessToken == "" {
		slog.Warn("no imagery access token configured", "env", accessTokenEnv)
	}

	return config, nil
}

func (c *ServiceConfig) Validate() error {
	return validator.New().Struct(c)
}

// SlogLevel maps the configured level name to a slog.Level.
func (c *ServiceConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
