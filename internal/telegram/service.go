package telegram

import (
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/rs/zerolog"

	"llmgate/internal/governor"
	"llmgate/internal/imagecache"
	"llmgate/internal/metrics"
	"llmgate/internal/queue"
)

// CacheStats reports image cache counters for /stats.
type CacheStats interface {
	Stats() imagecache.Stats
}

// QuotaSource reports a user's image generation quota for /stats.
type QuotaSource interface {
	Usage(userID string) governor.Usage
}

type Service struct {
	queue       *queue.StreamQueue
	rateLimiter *queue.RateLimiter
	cache       CacheStats
	quota       QuotaSource
	providers   []string
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Queue       *queue.StreamQueue
	RateLimiter *queue.RateLimiter
	// Cache and Quota are optional; /stats omits what is missing.
	Cache     CacheStats
	Quota     QuotaSource
	Providers []string
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		queue:       cfg.Queue,
		rateLimiter: cfg.RateLimiter,
		cache:       cfg.Cache,
		quota:       cfg.Quota,
		providers:   cfg.Providers,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("ai", s.askWith))
	d.AddHandler(handlers.NewCommand("stats", s.stats))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Text(msg) && !strings.HasPrefix(msg.Text, "/") && (message.Private(msg) || msg.ReplyToMessage != nil)
	}, s.plainText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}
