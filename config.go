package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/detector"
	redis "go-attendance-verifier/redis"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`

	JwtPrivateKeyPath string `json:"jwt_private_key_path"`
	IssuerId          string `json:"issuer_id"`

	TokenStorageType    string                    `json:"token_storage_type"`
	SessionTtlSeconds   int                       `json:"session_ttl_seconds,omitempty"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`

	RecordStorageType string                 `json:"record_storage_type"`
	SqlitePath        string                 `json:"sqlite_path,omitempty"`
	MongoConfig       attendance.MongoConfig `json:"mongo_config,omitempty"`

	DetectorType           string              `json:"detector_type"`
	DetectorUrl            string              `json:"detector_url,omitempty"`
	DetectorTimeoutSeconds int                 `json:"detector_timeout_seconds,omitempty"`
	MqttConfig             detector.MQTTConfig `json:"mqtt_config,omitempty"`

	RetryAttempts    int `json:"retry_attempts,omitempty"`
	RetryDelayMillis int `json:"retry_delay_millis,omitempty"`

	// nil keeps facematch.DefaultThreshold
	MatchThreshold *float64 `json:"match_threshold,omitempty"`
	FallbackMethod string   `json:"fallback_method,omitempty"`

	AvatarCacheSize       int  `json:"avatar_cache_size,omitempty"`
	AvatarCacheTtlSeconds int  `json:"avatar_cache_ttl_seconds,omitempty"`
	AvatarCacheShared     bool `json:"avatar_cache_shared,omitempty"`
	AvatarTimeoutSeconds  int  `json:"avatar_timeout_seconds,omitempty"`

	ReviewQueueType   string `json:"review_queue_type,omitempty"`
	ReviewQueueName   string `json:"review_queue_name,omitempty"`
	ReviewConcurrency int    `json:"review_concurrency,omitempty"`
	RunReviewWorker   bool   `json:"run_review_worker,omitempty"`
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)

	if err != nil {
		return Config{}, err
	}

	var config Config
	err = json.Unmarshal(configBytes, &config)

	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// loadDotEnv reads a .env file into the process environment when one exists.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	slog.Info("Loaded environment file", "path", path)
	return nil
}

// loadEnvVariables overrides config values with ATTENDANCE_* variables.
func loadEnvVariables(config *Config) error {
	setString := func(name string, target *string) {
		if envValue := os.Getenv(name); envValue != "" {
			*target = envValue
		}
	}
	setInt := func(name string, target *int) error {
		if envValue := os.Getenv(name); envValue != "" {
			v, err := strconv.Atoi(envValue)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*target = v
		}
		return nil
	}

	setString("ATTENDANCE_HOST", &config.ServerConfig.Host)
	setString("ATTENDANCE_LOG_LEVEL", &config.LogLevel)
	setString("ATTENDANCE_LOG_FORMAT", &config.LogFormat)
	setString("ATTENDANCE_JWT_PRIVATE_KEY_PATH", &config.JwtPrivateKeyPath)
	setString("ATTENDANCE_ISSUER_ID", &config.IssuerId)
	setString("ATTENDANCE_TOKEN_STORAGE_TYPE", &config.TokenStorageType)
	setString("ATTENDANCE_REDIS_HOST", &config.RedisConfig.Host)
	setString("ATTENDANCE_REDIS_PASSWORD", &config.RedisConfig.Password)
	setString("ATTENDANCE_RECORD_STORAGE_TYPE", &config.RecordStorageType)
	setString("ATTENDANCE_SQLITE_PATH", &config.SqlitePath)
	setString("ATTENDANCE_MONGO_URI", &config.MongoConfig.URI)
	setString("ATTENDANCE_MONGO_DATABASE", &config.MongoConfig.Database)
	setString("ATTENDANCE_DETECTOR_TYPE", &config.DetectorType)
	setString("ATTENDANCE_DETECTOR_URL", &config.DetectorUrl)
	setString("ATTENDANCE_MQTT_BROKER", &config.MqttConfig.Broker)
	setString("ATTENDANCE_MQTT_USERNAME", &config.MqttConfig.Username)
	setString("ATTENDANCE_MQTT_PASSWORD", &config.MqttConfig.Password)
	setString("ATTENDANCE_FALLBACK_METHOD", &config.FallbackMethod)
	setString("ATTENDANCE_REVIEW_QUEUE_TYPE", &config.ReviewQueueType)

	if err := setInt("ATTENDANCE_PORT", &config.ServerConfig.Port); err != nil {
		return err
	}
	if err := setInt("ATTENDANCE_REDIS_PORT", &config.RedisConfig.Port); err != nil {
		return err
	}
	if envValue := os.Getenv("ATTENDANCE_MATCH_THRESHOLD"); envValue != "" {
		v, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return fmt.Errorf("ATTENDANCE_MATCH_THRESHOLD: %w", err)
		}
		config.MatchThreshold = &v
	}
	return nil
}

func applyDefaults(config *Config) {
	if config.TokenStorageType == "" {
		config.TokenStorageType = "memory"
	}
	if config.RecordStorageType == "" {
		config.RecordStorageType = "memory"
	}
	if config.DetectorType == "" {
		config.DetectorType = "http"
	}
	if config.ReviewQueueType == "" {
		config.ReviewQueueType = "inline"
	}
	if config.ReviewQueueName == "" {
		config.ReviewQueueName = attendance.DefaultReviewQueueName
	}
	if config.IssuerId == "" {
		config.IssuerId = "attendance_verifier"
	}
}

func (c *Config) Validate() error {
	if t := c.MatchThreshold; t != nil && (*t <= 0 || *t > 1) {
		return fmt.Errorf("match_threshold must be within (0, 1], got %v", *t)
	}
	if c.JwtPrivateKeyPath == "" {
		return fmt.Errorf("jwt_private_key_path is required")
	}
	return nil
}
