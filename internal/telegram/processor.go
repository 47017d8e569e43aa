package telegram

import (
	"context"
	"slices"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"llmgate/internal/metrics"
	"llmgate/internal/queue"
)

// Processor drops duplicate deliveries and, when AllowedUserIDs is set,
// updates from anyone else before handlers run.
type Processor struct {
	Base           ext.BaseProcessor
	Dedupe         *queue.UpdateDeduplicator
	AllowedUserIDs []int64
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if !p.allowed(ctx) {
		p.Logger.Debug().Int64("update_id", ctx.UpdateId).Msg("update from unlisted user ignored")
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), ctx.UpdateId)
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func (p Processor) allowed(ctx *ext.Context) bool {
	if len(p.AllowedUserIDs) == 0 {
		return true
	}
	if ctx.EffectiveUser == nil {
		return false
	}
	return slices.Contains(p.AllowedUserIDs, ctx.EffectiveUser.Id)
}
