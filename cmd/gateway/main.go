package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"llmgate/internal/config"
	"llmgate/internal/crypto"
	"llmgate/internal/fetch"
	"llmgate/internal/gatekeeper"
	"llmgate/internal/governor"
	"llmgate/internal/httpapi"
	"llmgate/internal/imagecache"
	"llmgate/internal/imagegen"
	"llmgate/internal/metrics"
	"llmgate/internal/providers/registry"
	"llmgate/internal/queue"
	"llmgate/internal/storage"
	"llmgate/internal/telegram"
	"llmgate/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("cache_store", cfg.Cache.Store).
		Str("image_provider", cfg.Images.Provider).
		Bool("dev_polling", cfg.Telegram.DevPolling).
		Msg("starting llmgate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.Global()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	var sealer *crypto.Sealer
	if len(cfg.Crypto.Keys) > 0 {
		sealer, err = crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize cache sealer")
		}
	}

	var l2 imagecache.Store
	switch cfg.Cache.Store {
	case config.CacheStoreSQL:
		store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize storage")
		}
		defer store.Close()
		l2 = storage.NewImageCache(store, sealer)
	case config.CacheStoreRedis:
		l2 = storage.NewRedisImageCache(rdb, cfg.Cache.L2TTL, sealer)
	}

	cache := imagecache.New(ctx, imagecache.Config{
		Capacity:      cfg.Cache.L1Capacity,
		L1TTL:         cfg.Cache.L1TTL,
		L2TTL:         cfg.Cache.L2TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Store:         l2,
		Logger:        log.Logger.With().Str("component", "imagecache").Logger(),
		Metrics:       m,
	})
	defer cache.Close()

	gov := governor.New(ctx, governor.Config{
		MaxConcurrentPerUser: cfg.Governor.MaxConcurrentPerUser,
		MaxDailyPerUser:      cfg.Governor.MaxDailyPerUser,
		MaxGlobalConcurrent:  cfg.Governor.MaxGlobalConcurrent,
		GCInterval:           cfg.Governor.GCInterval,
		Logger:               log.Logger.With().Str("component", "governor").Logger(),
		Metrics:              m,
	})
	defer gov.Close()

	httpClient := &http.Client{}
	fetcher := fetch.New(fetch.Config{
		HTTPClient: httpClient,
		Logger:     log.Logger.With().Str("component", "fetch").Logger(),
		Metrics:    m,
	})

	providers := registry.Build(registry.BuildOptions{
		OpenAI:           registry.VendorOptions{APIKey: cfg.Providers.OpenAI.APIKey, BaseURL: cfg.Providers.OpenAI.BaseURL},
		Anthropic:        registry.VendorOptions{APIKey: cfg.Providers.Anthropic.APIKey, BaseURL: cfg.Providers.Anthropic.BaseURL},
		AnthropicVersion: cfg.Providers.AnthropicVersion,
		Gemini:           registry.VendorOptions{APIKey: cfg.Providers.Gemini.APIKey, BaseURL: cfg.Providers.Gemini.BaseURL},
		HTTPClient:       httpClient,
		Fetcher:          fetcher,
		StreamTimeout:    cfg.Providers.StreamTimeout,
		Logger:           log.Logger,
		Metrics:          m,
	})
	for _, name := range providers.Names() {
		p, _ := providers.Get(name)
		go p.Prepare(ctx)
	}
	log.Info().Strs("providers", providers.Names()).Msg("providers configured")

	gk := gatekeeper.New(gatekeeper.Config{
		HighThreshold:   cfg.Gatekeeper.HighThreshold,
		MediumThreshold: cfg.Gatekeeper.MediumThreshold,
		LLMTimeout:      cfg.Gatekeeper.LLMTimeout,
		CacheTTL:        cfg.Gatekeeper.CacheTTL,
		CacheSize:       cfg.Gatekeeper.CacheSize,
		Providers:       providers,
		Logger:          log.Logger.With().Str("component", "gatekeeper").Logger(),
		Metrics:         m,
	})

	var images *imagegen.Service
	if backend := imageBackend(cfg, fetcher); backend != nil {
		images = imagegen.NewService(imagegen.NewGenerator(imagegen.GeneratorConfig{
			Backend: backend,
			Cache:   cache,
			Logger:  log.Logger.With().Str("component", "imagegen").Logger(),
			Metrics: m,
		}), gov)
		log.Info().Str("backend", backend.Name()).Str("model", backend.Model()).Msg("image generation enabled")
	} else {
		log.Warn().Str("image_provider", cfg.Images.Provider).Msg("image generation disabled: no credentials")
	}

	turnQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	var bot *gotgbot.Bot
	if cfg.Telegram.BotToken != "" {
		bot, err = gotgbot.NewBot(cfg.Telegram.BotToken, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")
	}

	errCh := make(chan error, 4)
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
	}

	runServer := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeServer
	runWorker := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeWorker

	var updater *ext.Updater
	var webhookHandler http.Handler
	var webhookRoute string
	if bot != nil && runServer {
		dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
			MaxRoutines:      100,
			UnhandledErrFunc: logTelegramErr,
			Processor: telegram.Processor{
				Dedupe:         queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
				AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
				Metrics:        m,
				Logger:         log.Logger,
			},
		})
		svcCfg := telegram.Config{
			Queue:       turnQueue,
			RateLimiter: queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			Cache:       cache,
			Providers:   providers.Names(),
			Logger:      log.Logger.With().Str("component", "telegram").Logger(),
			Metrics:     m,
		}
		if images != nil {
			svcCfg.Quota = images
		}
		telegram.NewService(svcCfg).Register(dispatcher)
		updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
			UnhandledErrFunc: logTelegramErr,
		})

		if cfg.Telegram.DevPolling {
			if err := updater.StartPolling(bot, &ext.PollingOpts{
				EnableWebhookDeletion: true,
				DropPendingUpdates:    true,
				GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
					Timeout: 50,
					RequestOpts: &gotgbot.RequestOpts{
						Timeout: 60 * time.Second,
					},
				},
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to start polling")
			}
			log.Info().Msg("polling mode started")
		} else {
			path := cfg.Telegram.SecretPath
			if path == "" {
				path = "telegram"
			}
			if cfg.Telegram.PublicURL == "" {
				log.Fatal().Msg("WEBHOOK_URL is required unless DEV_POLLING is set")
			}
			if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
				log.Fatal().Err(err).Msg("failed to configure webhook handler")
			}
			webhookURL := strings.TrimSuffix(cfg.Telegram.PublicURL, "/") + "/" + path
			if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
				SecretToken: cfg.Telegram.SecretToken,
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to set telegram webhook")
			}
			log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
			webhookRoute = "/" + path
			webhookHandler = updater.GetHandlerFunc("/")
		}
	}

	apiCfg := httpapi.Config{
		ListenAddr:  cfg.HTTP.ListenAddr,
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		WebhookPath: webhookRoute,
		Webhook:     webhookHandler,
		Logger:      log.Logger.With().Str("component", "http").Logger(),
	}
	if runServer {
		apiCfg.Providers = providers
		apiCfg.Classifier = gk
		apiCfg.Cache = cache
		if images != nil {
			apiCfg.Images = images
		}
	}
	api := httpapi.New(apiCfg)
	go func() {
		if err := api.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if runWorker {
		if bot == nil {
			log.Warn().Msg("worker disabled: BOT_TOKEN is required to deliver replies")
		} else {
			wcfg := worker.Config{
				Messenger:     telegram.NewBotMessenger(bot),
				Queue:         turnQueue,
				Classifier:    gk,
				Providers:     providers,
				DefaultVendor: cfg.Telegram.DefaultVendor,
				DefaultModel:  cfg.Telegram.DefaultModel,
				EditInterval:  cfg.Telegram.EditInterval,
				MaxJobRetries: cfg.Worker.MaxRetries,
				Logger:        log.Logger.With().Str("component", "worker").Logger(),
				Metrics:       m,
			}
			if images != nil {
				wcfg.Images = images
			}
			w := worker.New(wcfg)
			go func() {
				if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
					errCh <- fmt.Errorf("worker failed: %w", err)
				}
			}()
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// imageBackend picks the image vendor from config. It returns nil when the
// chosen vendor has no usable credentials.
func imageBackend(cfg *config.Config, fetcher *fetch.Client) imagegen.Backend {
	policy := fetch.Policy{
		MaxRetries:           cfg.Images.MaxRetries,
		InitialDelay:         cfg.Images.InitialDelay,
		MaxDelay:             cfg.Images.MaxDelay,
		RetryableStatusCodes: fetch.DefaultPolicy().RetryableStatusCodes,
		Timeout:              cfg.Images.Timeout,
	}
	switch cfg.Images.Provider {
	case "google", "gemini", "imagen":
		if cfg.Providers.Gemini.APIKey == "" && (cfg.Images.VertexProject == "" || cfg.Images.VertexToken == "") {
			return nil
		}
		return imagegen.NewGoogleBackend(imagegen.GoogleConfig{
			APIKey:      cfg.Providers.Gemini.APIKey,
			BaseURL:     cfg.Providers.Gemini.BaseURL,
			Project:     cfg.Images.VertexProject,
			Location:    cfg.Images.VertexLocation,
			AccessToken: cfg.Images.VertexToken,
			Model:       cfg.Images.Model,
			Fetcher:     fetcher,
			Policy:      policy,
		})
	default:
		if cfg.Providers.OpenAI.APIKey == "" {
			return nil
		}
		return imagegen.NewOpenAIBackend(imagegen.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Images.Model,
			Fetcher: fetcher,
			Policy:  policy,
		})
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
