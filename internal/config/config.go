package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the entire application configuration
type Config struct {
	Env      string         `json:"env"`
	Port     int            `json:"port"`
	AppName  string         `json:"app_name"`
	S3       S3Config       `json:"s3"`
	MongoDB  MongoDBConfig  `json:"mongodb"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Redis    RedisConfig    `json:"redis"`
	LLM      LLMConfig      `json:"llm"`
	Drive    DriveConfig    `json:"drive"`
	Extract  ExtractConfig  `json:"extract"`
	Cleanup  CleanupConfig  `json:"cleanup"`
	Logging  LoggingConfig  `json:"logging"`
	CORS     CORSConfig     `json:"cors"`
}

// S3Config contains staging bucket connection details
type S3Config struct {
	AccessKey           string `json:"access_key"`
	SecretKey           string `json:"secret_key"`
	Bucket              string `json:"bucket"`
	Region              string `json:"region"`
	UploadExpiryMinutes int    `json:"upload_expiry_minutes"`
}

// MongoDBConfig contains MongoDB connection details
type MongoDBConfig struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

// RabbitMQConfig contains message bus connection and topology details
type RabbitMQConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	VHost              string `json:"vhost"`
	ExchangeName       string `json:"exchange_name"`
	StorageEventsQueue string `json:"storage_events_queue"`
	PrefetchCount      int    `json:"prefetch_count"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint used
// for the summarize capability
type LLMConfig struct {
	Endpoint         string `json:"endpoint"`
	Model            string `json:"model"`
	APIKey           string `json:"api_key"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	MaxDocumentBytes int    `json:"max_document_bytes"`
}

// DriveConfig controls the user-owned destination layout
type DriveConfig struct {
	RootFolderName string `json:"root_folder_name"`
}

// ExtractConfig overrides the tabular triage heuristics. Empty fields fall
// back to the built-in defaults; the keyword sets are data, not logic.
type ExtractConfig struct {
	MinPrice         float64  `json:"min_price"`
	AssetKeywords    []string `json:"asset_keywords"`
	IgnoreKeywords   []string `json:"ignore_keywords"`
	ProgressInterval int      `json:"progress_interval"`
}

// CleanupConfig controls the daily retention sweep
type CleanupConfig struct {
	RetentionHours int `json:"retention_hours"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// LoadConfig reads configuration from the specified file path
func LoadConfig(filePath string) (*Config, error) {
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyEnvOverrides()
	return &config, nil
}

// applyEnvOverrides lets deployments inject secrets without writing them
// into the config file.
func (c *Config) applyEnvOverrides() {
	overrides := map[string]*string{
		"S3_ACCESS_KEY":     &c.S3.AccessKey,
		"S3_SECRET_KEY":     &c.S3.SecretKey,
		"MONGODB_PASSWORD":  &c.MongoDB.Password,
		"RABBITMQ_PASSWORD": &c.RabbitMQ.Password,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"LLM_API_KEY":       &c.LLM.APIKey,
	}

	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}
