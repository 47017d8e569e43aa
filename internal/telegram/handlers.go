package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"llmgate/internal/governor"
	"llmgate/internal/imagecache"
	"llmgate/internal/queue"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	lines := []string{
		"Send a message in private chat (or reply to me) and I will answer.",
		"Ask for a picture and I will draw it.",
		"",
		"Commands:",
		"/ask <text>",
		"/ai <provider> <text>",
		"/stats",
	}
	if len(s.providers) > 0 {
		lines = append(lines, "", "Providers: "+strings.Join(s.providers, ", "))
	}
	return s.reply(ctx, b, strings.Join(lines, "\n"))
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	prompt := strings.TrimSpace(commandRemainder(msg.GetText()))
	if prompt == "" {
		return s.reply(ctx, b, "Usage: /ask <text>")
	}
	return s.enqueue(b, ctx, turnFromMessage(msg, userID(ctx), prompt, ""))
}

func (s *Service) askWith(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	provider, prompt := splitFirstWord(commandRemainder(msg.GetText()))
	if provider == "" || prompt == "" {
		return s.reply(ctx, b, "Usage: /ai <provider> <text>")
	}
	return s.enqueue(b, ctx, turnFromMessage(msg, userID(ctx), prompt, strings.ToLower(provider)))
}

func (s *Service) plainText(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	prompt := strings.TrimSpace(msg.GetText())
	if prompt == "" {
		return nil
	}
	return s.enqueue(b, ctx, turnFromMessage(msg, userID(ctx), prompt, ""))
}

func (s *Service) stats(b *gotgbot.Bot, ctx *ext.Context) error {
	var st *imagecache.Stats
	if s.cache != nil {
		v := s.cache.Stats()
		st = &v
	}
	var usage *governor.Usage
	if s.quota != nil && userID(ctx) != 0 {
		u := s.quota.Usage(strconv.FormatInt(userID(ctx), 10))
		usage = &u
	}
	pending := int64(-1)
	if s.queue != nil {
		if n, err := s.queue.Len(context.Background()); err == nil {
			pending = n
		}
	}
	return s.reply(ctx, b, formatStats(st, usage, pending))
}

func (s *Service) enqueue(b *gotgbot.Bot, ctx *ext.Context, job queue.TurnJob) error {
	if !s.allowRate(job.ChatID, job.UserID, b, ctx) {
		return nil
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", job.ChatID).Msg("failed to enqueue turn")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedTurns.Inc()
	return nil
}

// turnFromMessage builds a job; replying to one of the bot's answers carries it as context.
func turnFromMessage(msg *gotgbot.Message, uid int64, prompt, provider string) queue.TurnJob {
	job := queue.TurnJob{
		ChatID:    msg.Chat.Id,
		UserID:    uid,
		MessageID: msg.MessageId,
		Prompt:    prompt,
		Provider:  provider,
	}
	if r := msg.ReplyToMessage; r != nil {
		if quoted := strings.TrimSpace(r.GetText()); quoted != "" {
			job.Summary = truncateRunes(quoted, 1000)
		}
	}
	return job
}

func formatStats(st *imagecache.Stats, usage *governor.Usage, pending int64) string {
	var lines []string
	if st != nil {
		lines = append(lines,
			"Image cache:",
			fmt.Sprintf("- memory: %d hits / %d misses (%d entries)", st.MemoryHits, st.MemoryMisses, st.MemoryEntries),
			fmt.Sprintf("- persistent: %d hits / %d misses", st.PersistentHits, st.PersistentMisses),
			fmt.Sprintf("- shared: %d, personal: %d", st.GlobalHits, st.PersonalHits),
			fmt.Sprintf("- saved: $%.2f", st.DollarsSaved),
		)
	}
	if usage != nil {
		lines = append(lines,
			"Your images today:",
			fmt.Sprintf("- %d of %d used, %d running", usage.DailyCount, usage.DailyLimit, usage.Concurrent),
			"- resets "+usage.ResetAt.UTC().Format("2006-01-02 15:04 UTC"),
		)
	}
	if pending >= 0 {
		lines = append(lines, fmt.Sprintf("Queued turns: %d", pending))
	}
	if len(lines) == 0 {
		return "No stats available."
	}
	return strings.Join(lines, "\n")
}

func (s *Service) allowRate(chatID, userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.rateLimiter == nil {
		return true
	}
	d, err := s.rateLimiter.Allow(context.Background(), chatID, userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if d.Allowed {
		return true
	}
	_ = s.reply(ctx, b, "Rate limit exceeded. Try again after "+d.ResetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
