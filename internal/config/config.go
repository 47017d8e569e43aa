package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeAll    = "ALL"
	ModeServer = "SERVER"
	ModeWorker = "WORKER"

	CacheStoreSQL   = "sql"
	CacheStoreRedis = "redis"
	CacheStoreNone  = "none"
)

var (
	ErrNoProviders        = errors.New("at least one of OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY is required")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required when IMAGE_CACHE_STORE=sql")
	ErrInvalidThresholds  = errors.New("GATEKEEPER_MEDIUM_THRESHOLD must be below GATEKEEPER_HIGH_THRESHOLD")
	ErrInvalidCacheStore  = errors.New("IMAGE_CACHE_STORE must be 'sql', 'redis' or 'none'")
)

type Config struct {
	AppMode string

	HTTP       HTTPConfig
	Telegram   TelegramConfig
	Redis      RedisConfig
	DB         DBConfig
	Worker     WorkerConfig
	Providers  ProvidersConfig
	Images     ImagesConfig
	Cache      CacheConfig
	Governor   GovernorConfig
	Gatekeeper GatekeeperConfig
	Rate       RateConfig
	Crypto     CryptoConfig
	Log        LogConfig
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration
}

type TelegramConfig struct {
	BotToken       string
	DevPolling     bool
	PublicURL      string
	SecretPath     string
	SecretToken    string
	DefaultModel   string
	DefaultVendor  string
	EditInterval   time.Duration
	AllowedUserIDs []int64
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
	UpdateTTL   time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type VendorConfig struct {
	APIKey  string
	BaseURL string
}

type ProvidersConfig struct {
	OpenAI           VendorConfig
	Anthropic        VendorConfig
	AnthropicVersion string
	Gemini           VendorConfig
	StreamTimeout    time.Duration
}

type ImagesConfig struct {
	Provider       string
	Model          string
	VertexProject  string
	VertexLocation string
	VertexToken    string
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Timeout        time.Duration
}

type CacheConfig struct {
	Store         string
	L1Capacity    int
	L1TTL         time.Duration
	L2TTL         time.Duration
	SweepInterval time.Duration
}

type GovernorConfig struct {
	MaxConcurrentPerUser int
	MaxDailyPerUser      int
	MaxGlobalConcurrent  int
	GCInterval           time.Duration
}

type GatekeeperConfig struct {
	HighThreshold   float64
	MediumThreshold float64
	LLMTimeout      time.Duration
	CacheTTL        time.Duration
	CacheSize       int
}

type RateConfig struct {
	PerHour int64
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := &Config{
		AppMode: strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout: mustDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		},
		Telegram: TelegramConfig{
			BotToken:       mustEnv("BOT_TOKEN", ""),
			DevPolling:     mustBool("DEV_POLLING", false),
			PublicURL:      mustEnv("WEBHOOK_URL", ""),
			SecretPath:     strings.Trim(mustEnv("WEBHOOK_SECRET_PATH", "telegram"), "/"),
			SecretToken:    mustEnv("WEBHOOK_SECRET_TOKEN", ""),
			DefaultModel:   mustEnv("CHAT_DEFAULT_MODEL", ""),
			DefaultVendor:  strings.ToLower(mustEnv("CHAT_DEFAULT_PROVIDER", "")),
			EditInterval:   mustDuration("TELEGRAM_EDIT_INTERVAL", 1200*time.Millisecond),
			AllowedUserIDs: mustInt64List("TELEGRAM_ALLOWED_USER_IDS"),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "llmgate:turns"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "llmgate-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
			UpdateTTL:   mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:llmgate.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 2),
		},
		Providers: ProvidersConfig{
			OpenAI: VendorConfig{
				APIKey:  mustEnv("OPENAI_API_KEY", ""),
				BaseURL: mustEnv("OPENAI_BASE_URL", "https://api.openai.com"),
			},
			Anthropic: VendorConfig{
				APIKey:  mustEnv("ANTHROPIC_API_KEY", ""),
				BaseURL: mustEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			},
			AnthropicVersion: mustEnv("ANTHROPIC_VERSION", "2023-06-01"),
			Gemini: VendorConfig{
				APIKey:  mustEnv("GEMINI_API_KEY", ""),
				BaseURL: mustEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
			},
			StreamTimeout: mustDuration("PROVIDER_STREAM_TIMEOUT", 5*time.Minute),
		},
		Images: ImagesConfig{
			Provider:       strings.ToLower(mustEnv("IMAGE_PROVIDER", "openai")),
			Model:          mustEnv("IMAGE_MODEL", ""),
			VertexProject:  mustEnv("VERTEX_PROJECT", ""),
			VertexLocation: mustEnv("VERTEX_LOCATION", "us-central1"),
			VertexToken:    mustEnv("VERTEX_ACCESS_TOKEN", ""),
			MaxRetries:     mustInt("IMAGE_MAX_RETRIES", 2),
			InitialDelay:   mustDuration("IMAGE_RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:       mustDuration("IMAGE_RETRY_MAX_DELAY", 10*time.Second),
			Timeout:        mustDuration("IMAGE_TIMEOUT", 60*time.Second),
		},
		Cache: CacheConfig{
			Store:         strings.ToLower(mustEnv("IMAGE_CACHE_STORE", CacheStoreSQL)),
			L1Capacity:    mustInt("IMAGE_CACHE_L1_CAPACITY", 100),
			L1TTL:         mustDuration("IMAGE_CACHE_L1_TTL", time.Hour),
			L2TTL:         mustDuration("IMAGE_CACHE_L2_TTL", 7*24*time.Hour),
			SweepInterval: mustDuration("IMAGE_CACHE_SWEEP_INTERVAL", time.Hour),
		},
		Governor: GovernorConfig{
			MaxConcurrentPerUser: mustInt("MAX_CONCURRENT_PER_USER", 2),
			MaxDailyPerUser:      mustInt("MAX_DAILY_PER_USER", 50),
			MaxGlobalConcurrent:  mustInt("MAX_GLOBAL_CONCURRENT", 10),
			GCInterval:           mustDuration("GOVERNOR_GC_INTERVAL", 10*time.Minute),
		},
		Gatekeeper: GatekeeperConfig{
			HighThreshold:   mustFloat("GATEKEEPER_HIGH_THRESHOLD", 0.8),
			MediumThreshold: mustFloat("GATEKEEPER_MEDIUM_THRESHOLD", 0.6),
			LLMTimeout:      mustDuration("GATEKEEPER_LLM_TIMEOUT", 500*time.Millisecond),
			CacheTTL:        mustDuration("GATEKEEPER_CACHE_TTL", 5*time.Minute),
			CacheSize:       mustInt("GATEKEEPER_CACHE_SIZE", 1000),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 60)),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.AppMode != ModeAll && cfg.AppMode != ModeServer && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	if cfg.Providers.OpenAI.APIKey == "" && cfg.Providers.Anthropic.APIKey == "" && cfg.Providers.Gemini.APIKey == "" {
		return nil, ErrNoProviders
	}
	switch cfg.Cache.Store {
	case CacheStoreSQL:
		if cfg.DB.DSN == "" {
			return nil, ErrMissingDatabaseDSN
		}
	case CacheStoreRedis, CacheStoreNone:
	default:
		return nil, ErrInvalidCacheStore
	}
	if cfg.Gatekeeper.MediumThreshold >= cfg.Gatekeeper.HighThreshold {
		return nil, ErrInvalidThresholds
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// loadCryptoConfig reads the optional sealing keys for personal cache entries.
// An empty config disables sealing.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("CACHE_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse CACHE_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("CACHE_KEY_CURRENT_ID", "")
	if singleton := mustEnv("CACHE_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode cache key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("cache key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("CACHE_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func mustInt64List(key string) []int64 {
	v := mustEnv(key, "")
	if v == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
