package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"llmgate/internal/gatekeeper"
	"llmgate/internal/imagegen"
	"llmgate/internal/providers"
	"llmgate/internal/queue"
)

const (
	maxMessageRunes     = 4000
	placeholderText     = "…"
	interruptedSuffix   = "\n\n[response interrupted]"
	defaultSystemPrompt = "You are a helpful assistant. Answer concisely."
)

var defaultChatModels = map[string]string{
	"gemini":    "gemini-2.5-flash",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-sonnet-latest",
}

var artifactHints = map[gatekeeper.ArtifactType]string{
	gatekeeper.TypeTable: "The user wants a table. Answer with a markdown table.",
	gatekeeper.TypeDoc:   "The user wants a document. Answer with a structured markdown document with headings.",
	gatekeeper.TypeSheet: "The user wants spreadsheet data. Answer with a markdown table whose first row names the columns.",
}

// Process runs one chat turn. A nil error means the turn was answered,
// including answers that explain a user-facing failure.
func (w *Worker) Process(ctx context.Context, job queue.TurnJob) error {
	userID := strconv.FormatInt(job.UserID, 10)
	decision := w.classifier.Classify(ctx, gatekeeper.Request{
		UserText:            job.Prompt,
		ConversationSummary: job.Summary,
		ThreadID:            job.ThreadID(),
		UserID:              userID,
	})

	if decision.ShouldCreate && decision.Type == gatekeeper.TypeImage && w.images != nil {
		return w.generateImage(ctx, job, userID, decision)
	}
	return w.streamReply(ctx, job, decision)
}

func (w *Worker) generateImage(ctx context.Context, job queue.TurnJob, userID string, decision gatekeeper.Decision) error {
	res, err := w.images.Generate(ctx, userID, job.Prompt, imagegen.Options{})
	if err != nil {
		var ue *imagegen.UserError
		if errors.As(err, &ue) {
			w.logger.Info().Str("job_id", job.JobID).Str("kind", string(ue.Kind)).Err(ue.Err).Msg("image generation refused")
			_, sendErr := w.messenger.SendText(ctx, job.ChatID, job.MessageID, ue.Message)
			return sendErr
		}
		return fmt.Errorf("generate image: %w", err)
	}

	caption := ""
	if decision.NeedsConfirmation {
		caption = "Generated from your message. Reply with more detail if this is not what you wanted."
	}
	for i, img := range res.Images {
		data, mime, err := imagegen.DecodeDataURL(img.DataURL)
		if err != nil {
			w.logger.Warn().Err(err).Int("index", i).Msg("skipping undecodable image")
			continue
		}
		if err := w.messenger.SendPhoto(ctx, job.ChatID, job.MessageID, data, mime, caption); err != nil {
			return fmt.Errorf("send photo: %w", err)
		}
		caption = ""
	}
	w.logger.Info().
		Str("job_id", job.JobID).
		Bool("cached", res.Cached).
		Int("images", len(res.Images)).
		Str("provider", res.Provider).
		Msg("image turn answered")
	return nil
}

func (w *Worker) resolveModel(job queue.TurnJob) (providers.Provider, string, error) {
	vendor := job.Provider
	if vendor == "" {
		vendor = w.defaultVendor
	}
	p, err := w.providers.Resolve(vendor)
	if err != nil {
		return nil, "", err
	}
	model := job.Model
	if model == "" && w.defaultModel != "" && (w.defaultVendor == "" || w.defaultVendor == p.Name()) {
		model = w.defaultModel
	}
	if model == "" {
		model = defaultChatModels[p.Name()]
	}
	return p, model, nil
}

func (w *Worker) buildMessages(job queue.TurnJob, decision gatekeeper.Decision) []providers.Message {
	system := w.systemPrompt
	if hint, ok := artifactHints[decision.Type]; ok && decision.ShouldCreate {
		system += "\n" + hint
	}
	msgs := []providers.Message{{Role: providers.RoleSystem, Content: system}}
	if job.Summary != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: "Conversation so far: " + job.Summary})
	}
	user := providers.Message{Role: providers.RoleUser, Content: job.Prompt}
	for _, u := range job.ImageURLs {
		user.Attachments = append(user.Attachments, providers.Attachment{URL: u})
	}
	return append(msgs, user)
}

func (w *Worker) streamReply(ctx context.Context, job queue.TurnJob, decision gatekeeper.Decision) error {
	p, model, err := w.resolveModel(job)
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("cannot resolve provider")
		_, err = w.messenger.SendText(ctx, job.ChatID, job.MessageID, "Unknown provider. Try one of the configured providers.")
		return err
	}

	stream, err := p.Stream(ctx, providers.Request{
		Messages: w.buildMessages(job, decision),
		Model:    model,
		Options:  providers.Options{MaxTokens: 1024},
	})
	if err != nil {
		return fmt.Errorf("%s stream: %w", p.Name(), err)
	}
	defer stream.Close()

	placeholderID, err := w.messenger.SendText(ctx, job.ChatID, job.MessageID, placeholderText)
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}
	anim := w.animate(ctx, job.ChatID, placeholderID)

	var (
		text     strings.Builder
		shown    string
		lastEdit = time.Now()
		recvErr  error
	)
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recvErr = err
			break
		}
		if c.Kind != providers.ChunkText {
			continue
		}
		anim.stop()
		text.WriteString(c.Text)
		if time.Since(lastEdit) >= w.editInterval {
			preview := firstPart(text.String())
			if preview != shown {
				if err := w.messenger.EditText(ctx, job.ChatID, placeholderID, preview); err != nil {
					w.logger.Debug().Err(err).Msg("interim edit failed")
				}
				shown = preview
			}
			lastEdit = time.Now()
		}
	}
	anim.stop()

	final := text.String()
	if recvErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn().Err(recvErr).Str("job_id", job.JobID).Str("provider", p.Name()).Msg("stream ended early")
		if final == "" {
			final = "The provider did not return an answer. Please try again."
		} else {
			final += interruptedSuffix
		}
	}
	// The placeholder is already visible, so a retry would duplicate the reply.
	if err := w.deliver(ctx, job, placeholderID, final); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Error().Err(err).Str("job_id", job.JobID).Int64("chat_id", job.ChatID).Msg("deliver reply")
	}
	return nil
}

// deliver writes the final answer into the placeholder and sends overflow as follow-ups.
func (w *Worker) deliver(ctx context.Context, job queue.TurnJob, placeholderID int64, text string) error {
	parts := splitRunes(strings.TrimSpace(text), maxMessageRunes)
	if len(parts) == 0 {
		parts = []string{"Provider returned an empty response."}
	}
	if err := w.messenger.EditText(ctx, job.ChatID, placeholderID, parts[0]); err != nil {
		return fmt.Errorf("final edit: %w", err)
	}
	for _, part := range parts[1:] {
		if _, err := w.messenger.SendText(ctx, job.ChatID, 0, part); err != nil {
			return fmt.Errorf("send continuation: %w", err)
		}
	}
	return nil
}

type animation struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *animation) stop() {
	a.once.Do(func() {
		a.cancel()
		<-a.done
	})
}

// animate cycles the placeholder until the first token arrives.
func (w *Worker) animate(ctx context.Context, chatID, messageID int64) *animation {
	ctx, cancel := context.WithCancel(ctx)
	a := &animation{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		frames := []string{"·", "··", "···"}
		t := time.NewTicker(w.editInterval)
		defer t.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = w.messenger.EditText(ctx, chatID, messageID, frames[i%len(frames)])
			}
		}
	}()
	return a
}

func firstPart(s string) string {
	parts := splitRunes(s, maxMessageRunes)
	if len(parts) == 0 {
		return placeholderText
	}
	return parts[0]
}

func splitRunes(s string, n int) []string {
	r := []rune(s)
	var out []string
	for len(r) > 0 {
		end := n
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[:end]))
		r = r[end:]
	}
	return out
}
