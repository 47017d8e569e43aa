package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/gatekeeper"
	"llmgate/internal/imagegen"
	"llmgate/internal/metrics"
	"llmgate/internal/providers"
	"llmgate/internal/queue"
)

// Messenger delivers replies to the chat a turn came from.
type Messenger interface {
	SendText(ctx context.Context, chatID, replyTo int64, text string) (int64, error)
	EditText(ctx context.Context, chatID, messageID int64, text string) error
	SendPhoto(ctx context.Context, chatID, replyTo int64, data []byte, mime, caption string) error
}

type Classifier interface {
	Classify(ctx context.Context, req gatekeeper.Request) gatekeeper.Decision
}

type ImageService interface {
	Generate(ctx context.Context, userID, prompt string, opts imagegen.Options) (imagegen.Result, error)
}

type ProviderResolver interface {
	Resolve(name string) (providers.Provider, error)
}

type Worker struct {
	messenger     Messenger
	queue         *queue.StreamQueue
	classifier    Classifier
	images        ImageService
	providers     ProviderResolver
	defaultVendor string
	defaultModel  string
	systemPrompt  string
	editInterval  time.Duration
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Messenger  Messenger
	Queue      *queue.StreamQueue
	Classifier Classifier
	// Images is optional; without it image intents are answered as chat.
	Images        ImageService
	Providers     ProviderResolver
	DefaultVendor string
	DefaultModel  string
	SystemPrompt  string
	EditInterval  time.Duration
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = 1200 * time.Millisecond
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Worker{
		messenger:     cfg.Messenger,
		queue:         cfg.Queue,
		classifier:    cfg.Classifier,
		images:        cfg.Images,
		providers:     cfg.Providers,
		defaultVendor: cfg.DefaultVendor,
		defaultModel:  cfg.DefaultModel,
		systemPrompt:  cfg.SystemPrompt,
		editInterval:  cfg.EditInterval,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			sleep(ctx, time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.Process(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedTurns.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}
	if ctx.Err() != nil {
		// Left pending so another consumer can claim it after restart.
		return
	}

	w.metrics.FailedTurns.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("turn failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed turn")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	_, _ = w.messenger.SendText(ctx, msg.Job.ChatID, msg.Job.MessageID, "LLM provider error. Please try again later.")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
