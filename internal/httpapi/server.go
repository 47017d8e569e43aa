// Package httpapi exposes the gateway over HTTP: streamed chat, image
// generation, artifact classification and operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"llmgate/internal/gatekeeper"
	"llmgate/internal/governor"
	"llmgate/internal/imagecache"
	"llmgate/internal/imagegen"
	"llmgate/internal/providers"
)

const requestIDHeader = "X-Request-ID"

type ProviderResolver interface {
	Resolve(name string) (providers.Provider, error)
	Names() []string
}

type ImageService interface {
	Generate(ctx context.Context, userID, prompt string, opts imagegen.Options) (imagegen.Result, error)
	Usage(userID string) governor.Usage
}

type Classifier interface {
	Classify(ctx context.Context, req gatekeeper.Request) gatekeeper.Decision
}

type CacheStats interface {
	Stats() imagecache.Stats
}

type Config struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration

	Providers  ProviderResolver
	Images     ImageService
	Classifier Classifier
	Cache      CacheStats

	// WebhookPath and Webhook mount the Telegram update handler when set.
	WebhookPath string
	Webhook     http.Handler

	Logger zerolog.Logger
}

type Server struct {
	cfg    Config
	engine *gin.Engine
	http   *http.Server
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	s := &Server{cfg: cfg, engine: engine}

	engine.Use(gin.Recovery(), requestID(), s.accessLog())
	s.routes()

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET(s.cfg.HealthPath, func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	s.engine.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.Handler()))
	if s.cfg.Webhook != nil && s.cfg.WebhookPath != "" {
		s.engine.POST(s.cfg.WebhookPath, gin.WrapH(s.cfg.Webhook))
	}

	v1 := s.engine.Group("/v1")
	if s.cfg.Providers != nil {
		v1.GET("/providers", s.listProviders)
		v1.POST("/chat/stream", s.chatStream)
		v1.POST("/chat/estimate", s.chatEstimate)
	}
	if s.cfg.Images != nil {
		v1.POST("/images", s.generateImage)
		v1.GET("/quota/:user_id", s.quota)
	}
	if s.cfg.Cache != nil {
		v1.GET("/images/cache/stats", s.cacheStats)
	}
	if s.cfg.Classifier != nil {
		v1.POST("/gatekeeper", s.classify)
	}
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) ListenAndServe() error {
	s.cfg.Logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server started")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.cfg.Logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.cfg.Logger.Warn()
		}
		ev.Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	}
}
