package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultGRPCAddr     = ":50051"
	defaultSagaWorkers  = 4
	defaultLockTTL      = 30 * time.Second
	defaultQueue        = "compensation"
	defaultQueueRetries = 10
	defaultConcurrency  = 5
)

// AppConfig holds process-wide settings.
type AppConfig struct {
	Env         string
	DatabaseURL string
}

func (c AppConfig) Production() bool { return c.Env == "production" }

// RedisConfig holds Redis connection settings shared by the itinerary lock and the task queue.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	LockTTL            time.Duration
	LockPrefix         string
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// HTTPConfig holds the address for webhooks, the event stream and metrics.
type HTTPConfig struct {
	Addr string
}

// SagaConfig bounds orchestrator concurrency and per-call latency.
type SagaConfig struct {
	Workers     int
	CallTimeout time.Duration
}

// QueueConfig configures the compensation retry worker.
type QueueConfig struct {
	Name        string
	MaxRetry    int
	Concurrency int
	RetryDelay  time.Duration
}

type StripeConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
}

func LoadApp() AppConfig {
	return AppConfig{
		Env:         strings.TrimSpace(os.Getenv("APP_ENV")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
}

// RedisConfigured reports whether REDIS_URL is set. Without it the server runs with an
// in-process lock and no retry queue.
func RedisConfigured() bool {
	return strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		LockPrefix: strings.TrimSpace(os.Getenv("REDIS_LOCK_PREFIX")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}

	lockTTL, err := optionalDuration("REDIS_LOCK_TTL")
	if err != nil {
		return cfg, err
	}
	cfg.LockTTL = defaultLockTTL
	if lockTTL != nil && *lockTTL > 0 {
		cfg.LockTTL = *lockTTL
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGRPC reads gRPC ingress settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	addr := strings.TrimSpace(os.Getenv("GRPC_ADDR"))
	if addr == "" {
		addr = defaultGRPCAddr
	}
	return GRPCConfig{
		Addr:              addr,
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadHTTP reads the HTTP server address from env.
func LoadHTTP() (HTTPConfig, error) {
	addr, err := requiredString("HTTP_ADDR")
	if err != nil {
		return HTTPConfig{}, err
	}
	return HTTPConfig{Addr: addr}, nil
}

func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{Workers: defaultSagaWorkers}

	workers, err := optionalInt("SAGA_WORKERS")
	if err != nil {
		return cfg, err
	}
	if workers != nil {
		if *workers == 0 {
			return cfg, errors.New("SAGA_WORKERS must be >= 1")
		}
		cfg.Workers = *workers
	}

	timeout, err := optionalDuration("SAGA_CALL_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if timeout != nil {
		cfg.CallTimeout = *timeout
	}
	return cfg, nil
}

func LoadQueue() (QueueConfig, error) {
	cfg := QueueConfig{
		Name:        strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")),
		MaxRetry:    defaultQueueRetries,
		Concurrency: defaultConcurrency,
	}
	if cfg.Name == "" {
		cfg.Name = defaultQueue
	}

	maxRetry, err := optionalInt("ASYNQ_MAX_RETRY")
	if err != nil {
		return cfg, err
	}
	if maxRetry != nil {
		cfg.MaxRetry = *maxRetry
	}
	concurrency, err := optionalInt("ASYNQ_CONCURRENCY")
	if err != nil {
		return cfg, err
	}
	if concurrency != nil && *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	delay, err := optionalDuration("COMPENSATION_RETRY_DELAY")
	if err != nil {
		return cfg, err
	}
	if delay != nil {
		cfg.RetryDelay = *delay
	}
	return cfg, nil
}

// LoadStripe reads webhook verification settings. An empty secret disables the Stripe webhook.
func LoadStripe() (StripeConfig, error) {
	cfg := StripeConfig{WebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))}
	tolerance, err := optionalDuration("STRIPE_WEBHOOK_TOLERANCE")
	if err != nil {
		return cfg, err
	}
	if tolerance != nil {
		cfg.Tolerance = *tolerance
	}
	return cfg, nil
}

// ProviderReliabilityConfigured reports whether the PROVIDER_* decorator settings are present.
func ProviderReliabilityConfigured() bool {
	return strings.TrimSpace(os.Getenv("PROVIDER_RETRY_MAX_ATTEMPTS")) != ""
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
