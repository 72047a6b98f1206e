package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

type RedisConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Password  string `json:"password"`
	DB        int    `json:"db,omitempty"`
	Namespace string `json:"namespace"`
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RedisSentinelConfig struct {
	SentinelHost     string `json:"sentinel_host"`
	SentinelPort     int    `json:"sentinel_port"`
	Password         string `json:"password"`
	MasterName       string `json:"master_name"`
	SentinelUsername string `json:"sentinel_username"`
	Namespace        string `json:"namespace"`
}

func (c *RedisSentinelConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.SentinelHost, c.SentinelPort)
}

// NewRedisClient connects to a single redis node and verifies the connection.
func NewRedisClient(config *RedisConfig) (*goredis.Client, error) {
	if config.Host == "" || config.Port <= 0 {
		return nil, fmt.Errorf("failed to connect to Redis: host and port are required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     config.Addr(),
		Password: config.Password,
		DB:       config.DB,
	})

	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", config.Addr(), "namespace", config.Namespace)
	return client, nil
}

// NewRedisSentinelClient connects to the master announced by a sentinel.
func NewRedisSentinelClient(config *RedisSentinelConfig) (*goredis.Client, error) {
	if config.MasterName == "" {
		return nil, fmt.Errorf("failed to connect to Redis through Sentinel: master name is required")
	}
	if config.SentinelHost == "" || config.SentinelPort <= 0 {
		return nil, fmt.Errorf("failed to connect to Redis through Sentinel: sentinel host and port are required")
	}

	client := goredis.NewFailoverClient(&goredis.FailoverOptions{
		MasterName:       config.MasterName,
		SentinelAddrs:    []string{config.Addr()},
		SentinelUsername: config.SentinelUsername,
		SentinelPassword: config.Password,
		Password:         config.Password,
	})

	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis through Sentinel: %w", err)
	}

	slog.Info("Connected to Redis through Sentinel", "sentinel", config.Addr(), "master", config.MasterName)
	return client, nil
}

func ping(client *goredis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}
