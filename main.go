package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/avatar"
	"go-attendance-verifier/detector"
	"go-attendance-verifier/facematch"
	"go-attendance-verifier/images"
	log "go-attendance-verifier/logging"
	redis "go-attendance-verifier/redis"
	"go-attendance-verifier/retry"
	"go-attendance-verifier/verification"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		slog.Error("Attendance verifier stopped", "error", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred cleanup always happens.
func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("attendance-verifier", flag.ContinueOnError)
	configPath := flags.String("config", "", "Path for the config.json to use")
	envPath := flags.String("env", ".env", "Path of an optional .env file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := loadDotEnv(*envPath); err != nil {
		return fmt.Errorf("failed to load environment file: %w", err)
	}

	if *configPath == "" {
		return errors.New("please provide a config path using the --config flag")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	log.InitLogger(config.LogLevel, config.LogFormat)
	slog.Info("Using config", "path", *configPath, "host", config.ServerConfig.Host, "port", config.ServerConfig.Port)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := buildApp(ctx, &config)
	if err != nil {
		return fmt.Errorf("failed to set up attendance verifier: %w", err)
	}
	defer application.Close()

	server, err := NewServer(application.state, config.ServerConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = server.Stop()
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to listen and serve: %w", err)
	}
	return nil
}

func loadConfig(path string) (Config, error) {
	config, err := readConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvVariables(&config); err != nil {
		return Config{}, err
	}
	applyDefaults(&config)
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// app holds the wired server state and everything that must be closed on exit.
type app struct {
	state   *ServerState
	closers []func()
}

func (a *app) onClose(f func()) {
	a.closers = append(a.closers, f)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, config *Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	receiptSigner, err := NewJwtReceiptSigner(config.JwtPrivateKeyPath, config.IssuerId)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate receipt signer: %w", err)
	}
	receiptKey, err := receiptSigner.PublicKeyPEM()
	if err != nil {
		return nil, err
	}

	redisClients := &redisClientSource{config: config}
	a.onClose(redisClients.Close)

	tokenStorage, err := createTokenStorage(config, redisClients)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate token storage: %w", err)
	}

	store, err := createRecordStore(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate record store: %w", err)
	}
	a.onClose(func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close record store", "error", err)
		}
	})

	faceDetector, err := createDetector(ctx, config, a)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate face detector: %w", err)
	}

	cache, err := createAvatarCache(config, redisClients)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate avatar cache: %w", err)
	}
	avatarTimeout := time.Duration(config.AvatarTimeoutSeconds) * time.Second
	provider := avatar.NewProvider(store, cache, avatar.NewDownloader(avatarTimeout, retryPolicy(config)))

	fallback, err := images.NewComparator(config.FallbackMethod)
	if err != nil {
		return nil, err
	}
	if fallback != nil && fallback.Method() == facematch.MethodByteSize {
		slog.Warn("Byte size fallback only compares compressed sizes and is a weak signal")
	}

	reviews, err := createReviewQueue(config, store, redisClients, a)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate review queue: %w", err)
	}

	verifier := verification.NewVerifier(provider, faceDetector, store,
		verification.WithScorer(newScorer(config)),
		verification.WithFallback(fallback),
		verification.WithReviewQueue(reviews),
		verification.WithReceiptSigner(receiptSigner),
	)

	a.state = &ServerState{
		tokenStorage: tokenStorage,
		verifier:     verifier,
		records:      store,
		references:   provider,
		receiptKey:   receiptKey,
	}
	return a, nil
}

func retryPolicy(config *Config) retry.Policy {
	policy := retry.DefaultPolicy()
	if config.RetryAttempts > 0 {
		policy.MaxAttempts = config.RetryAttempts
	}
	if config.RetryDelayMillis > 0 {
		policy.Delay = time.Duration(config.RetryDelayMillis) * time.Millisecond
	}
	return policy
}

// redisClientSource connects lazily so a single client is shared by every
// component that needs redis.
type redisClientSource struct {
	config    *Config
	client    *goredis.Client
	namespace string
}

func (s *redisClientSource) usesSentinel() bool {
	return s.config.TokenStorageType == "redis_sentinel"
}

func (s *redisClientSource) Client() (*goredis.Client, string, error) {
	if s.client != nil {
		return s.client, s.namespace, nil
	}
	var err error
	if s.usesSentinel() {
		slog.Info("Using redis sentinel", "sentinel", s.config.RedisSentinelConfig.Addr(), "master", s.config.RedisSentinelConfig.MasterName)
		s.client, err = redis.NewRedisSentinelClient(&s.config.RedisSentinelConfig)
		s.namespace = s.config.RedisSentinelConfig.Namespace
	} else {
		slog.Info("Using redis", "address", s.config.RedisConfig.Addr())
		s.client, err = redis.NewRedisClient(&s.config.RedisConfig)
		s.namespace = s.config.RedisConfig.Namespace
	}
	if err != nil {
		s.client = nil
		return nil, "", err
	}
	return s.client, s.namespace, nil
}

// AsynqConnOpt describes the same redis deployment for the review queue.
func (s *redisClientSource) AsynqConnOpt() asynq.RedisConnOpt {
	if s.usesSentinel() {
		c := s.config.RedisSentinelConfig
		return asynq.RedisFailoverClientOpt{
			MasterName:    c.MasterName,
			SentinelAddrs: []string{c.Addr()},
			Password:      c.Password,
		}
	}
	c := s.config.RedisConfig
	return asynq.RedisClientOpt{Addr: c.Addr(), Password: c.Password, DB: c.DB}
}

func (s *redisClientSource) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		slog.Warn("Failed to close redis client", "error", err)
	}
}

func createTokenStorage(config *Config, redisClients *redisClientSource) (TokenStorage, error) {
	ttl := time.Duration(config.SessionTtlSeconds) * time.Second
	switch config.TokenStorageType {
	case "redis", "redis_sentinel":
		slog.Info("Using redis token storage", "type", config.TokenStorageType)
		client, namespace, err := redisClients.Client()
		if err != nil {
			return nil, err
		}
		return NewRedisTokenStorage(client, namespace, ttl), nil
	case "memory":
		slog.Info("Using in memory token storage")
		return NewInMemoryTokenStorageWithTTL(ttl), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.TokenStorageType)
}

func createRecordStore(ctx context.Context, config *Config) (attendance.Store, error) {
	switch config.RecordStorageType {
	case "memory":
		slog.Info("Using in memory record storage")
		return attendance.NewMemoryStore(), nil
	case "sqlite":
		path := config.SqlitePath
		if path == "" {
			path = "attendance.db"
		}
		slog.Info("Using sqlite record storage", "path", path)
		return attendance.NewSQLiteStore(path)
	case "mongo":
		slog.Info("Using mongo record storage", "database", config.MongoConfig.Database)
		return attendance.NewMongoStore(ctx, config.MongoConfig)
	}
	return nil, fmt.Errorf("%v is not a valid record storage type", config.RecordStorageType)
}

func createDetector(ctx context.Context, config *Config, a *app) (detector.Detector, error) {
	var d detector.Detector
	switch config.DetectorType {
	case "http":
		if config.DetectorUrl == "" {
			return nil, fmt.Errorf("detector_url is required for the http detector")
		}
		httpDetector := detector.NewHTTPDetector(config.DetectorUrl, time.Duration(config.DetectorTimeoutSeconds)*time.Second)
		if err := httpDetector.HealthCheck(ctx); err != nil {
			slog.Warn("Face detector is not healthy yet", "url", config.DetectorUrl, "error", err)
		}
		d = httpDetector
	case "mqtt":
		client, err := detector.NewMQTTClient(config.MqttConfig)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { client.Disconnect(250) })
		d = detector.NewMQTTDetector(client, config.MqttConfig)
	default:
		return nil, fmt.Errorf("%v is not a valid detector type", config.DetectorType)
	}
	slog.Info("Using face detector", "type", config.DetectorType)
	return detector.NewRetryingDetector(d, retryPolicy(config)), nil
}

func createAvatarCache(config *Config, redisClients *redisClientSource) (avatar.Cache, error) {
	ttl := time.Duration(config.AvatarCacheTtlSeconds) * time.Second
	local := avatar.NewLRUCache(config.AvatarCacheSize, ttl)
	if !config.AvatarCacheShared {
		return local, nil
	}
	client, namespace, err := redisClients.Client()
	if err != nil {
		return nil, err
	}
	slog.Info("Sharing avatar cache through redis")
	return &avatar.TieredCache{Local: local, Shared: avatar.NewRedisCache(client, namespace, ttl)}, nil
}

func newScorer(config *Config) facematch.Scorer {
	scorer := facematch.NewScorer()
	if config.MatchThreshold != nil {
		scorer.Threshold = *config.MatchThreshold
	}
	return scorer
}

func createReviewQueue(config *Config, store attendance.Store, redisClients *redisClientSource, a *app) (attendance.ReviewQueue, error) {
	worker := attendance.NewReviewWorker(store)
	switch config.ReviewQueueType {
	case "inline":
		slog.Info("Processing reviews inline")
		return &attendance.InlineQueue{Worker: worker}, nil
	case "asynq":
		opt := redisClients.AsynqConnOpt()
		queue := attendance.NewAsynqQueue(opt, config.ReviewQueueName)
		a.onClose(func() {
			if err := queue.Close(); err != nil {
				slog.Warn("Failed to close review queue", "error", err)
			}
		})
		if config.RunReviewWorker {
			srv, mux := attendance.NewReviewServer(opt, worker, config.ReviewQueueName, config.ReviewConcurrency)
			if err := srv.Start(mux); err != nil {
				return nil, fmt.Errorf("failed to start review worker: %w", err)
			}
			a.onClose(srv.Shutdown)
			slog.Info("Review worker started", "queue", config.ReviewQueueName)
		}
		return queue, nil
	}
	return nil, fmt.Errorf("%v is not a valid review queue type", config.ReviewQueueType)
}
