// Package imagegen generates images through a vendor backend, the hybrid
// image cache and the generation governor.
package imagegen

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"llmgate/internal/imagecache"
	"llmgate/internal/metrics"
)

type Result struct {
	Images   []imagecache.Image `json:"images"`
	Cached   bool               `json:"cached"`
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
}

type GeneratorConfig struct {
	Backend Backend
	// Cache is optional.
	Cache   *imagecache.Cache
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Generator struct {
	cfg     GeneratorConfig
	metrics *metrics.Metrics
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Generator{cfg: cfg, metrics: m}
}

func (g *Generator) Backend() Backend { return g.cfg.Backend }

// Generate serves from the cache when possible and stores fresh results.
// Concurrent identical misses each call the backend.
func (g *Generator) Generate(ctx context.Context, prompt string, opts Options, userID string) (Result, error) {
	b := g.cfg.Backend
	canonical, err := imagecache.CanonicalOptions(struct {
		Provider string  `json:"provider"`
		Model    string  `json:"model"`
		Options  Options `json:"options"`
	}{b.Name(), b.Model(), opts})
	if err != nil {
		return Result{}, err
	}
	key, personal := imagecache.Key(prompt, canonical, userID)
	log := g.cfg.Logger.With().Str("cache_key", key[:12]).Str("provider", b.Name()).Logger()

	if g.cfg.Cache != nil {
		if e, ok := g.cfg.Cache.Get(ctx, key); ok {
			g.metrics.ImageGenerations.WithLabelValues(b.Name(), "cached").Inc()
			log.Debug().Int64("hit_count", e.HitCount).Msg("image served from cache")
			return Result{Images: e.Images, Cached: true, Provider: e.Provider, Model: e.Model}, nil
		}
	}

	images, err := b.Generate(ctx, prompt, opts)
	if err != nil {
		g.metrics.ImageGenerations.WithLabelValues(b.Name(), "error").Inc()
		return Result{}, fmt.Errorf("%s generate: %w", b.Name(), err)
	}
	g.metrics.ImageGenerations.WithLabelValues(b.Name(), "ok").Inc()
	log.Info().Int("images", len(images)).Bool("personal", personal).Msg("image generated")

	if g.cfg.Cache != nil {
		g.cfg.Cache.Put(ctx, key, imagecache.Entry{
			Images:   images,
			Prompt:   imagecache.NormalizePrompt(prompt),
			Options:  canonical,
			Provider: b.Name(),
			Model:    b.Model(),
			Personal: personal,
		})
	}
	return Result{Images: images, Provider: b.Name(), Model: b.Model()}, nil
}
