// Package gatekeeper decides whether a chat turn should produce a structured
// artifact (table, document, spreadsheet or image).
package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"llmgate/internal/metrics"
	"llmgate/internal/providers"
)

type ArtifactType string

const (
	TypeNone  ArtifactType = ""
	TypeTable ArtifactType = "table"
	TypeDoc   ArtifactType = "doc"
	TypeSheet ArtifactType = "sheet"
	TypeImage ArtifactType = "image"
)

func (t ArtifactType) MarshalJSON() ([]byte, error) {
	if t == TypeNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(t))
}

func parseType(s string) (ArtifactType, bool) {
	switch ArtifactType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeTable:
		return TypeTable, true
	case TypeDoc, "document":
		return TypeDoc, true
	case TypeSheet, "spreadsheet":
		return TypeSheet, true
	case TypeImage:
		return TypeImage, true
	}
	return TypeNone, false
}

// Decision is the gatekeeper verdict. Type is set only when ShouldCreate is true.
type Decision struct {
	ShouldCreate      bool         `json:"should_create"`
	Type              ArtifactType `json:"type"`
	Rationale         string       `json:"rationale"`
	Confidence        float64      `json:"confidence"`
	NeedsConfirmation bool         `json:"needs_confirmation"`
}

type Request struct {
	UserText            string `json:"user_text"`
	ConversationSummary string `json:"conversation_summary,omitempty"`
	ThreadID            string `json:"thread_id"`
	UserID              string `json:"user_id"`
}

// Providers is the slice of the provider registry the refinement call needs.
type Providers interface {
	Default() (providers.Provider, bool)
	Alternate(name string) (providers.Provider, bool)
}

const (
	DefaultHighThreshold   = 0.8
	DefaultMediumThreshold = 0.6
	DefaultLLMTimeout      = 500 * time.Millisecond
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheSize       = 1000

	cacheKeyRunes = 100
)

var defaultModels = map[string]string{
	"gemini":    "gemini-2.5-flash",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-latest",
}

type Config struct {
	HighThreshold   float64
	MediumThreshold float64
	LLMTimeout      time.Duration
	CacheTTL        time.Duration
	CacheSize       int
	// Providers is optional; without it only the keyword stage runs.
	Providers Providers
	// Models overrides the classification model per provider name.
	Models  map[string]string
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type cached struct {
	decision Decision
	expires  time.Time
	inserted time.Time
}

type Gatekeeper struct {
	cfg     Config
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache map[string]cached
}

func New(cfg Config) *Gatekeeper {
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = DefaultHighThreshold
	}
	if cfg.MediumThreshold <= 0 {
		cfg.MediumThreshold = DefaultMediumThreshold
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	models := make(map[string]string, len(defaultModels))
	for k, v := range defaultModels {
		models[k] = v
	}
	for k, v := range cfg.Models {
		if v != "" {
			models[k] = v
		}
	}
	cfg.Models = models
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Gatekeeper{cfg: cfg, metrics: m, cache: map[string]cached{}}
}

// Classify never fails: refinement errors fall back to the keyword verdict.
func (g *Gatekeeper) Classify(ctx context.Context, req Request) Decision {
	start := time.Now()
	key := cacheKey(req)

	if d, ok := g.lookup(key); ok {
		g.logDecision(req, d, "cache", true, time.Since(start))
		return d
	}

	d := keywordStage(req.UserText)
	source := "keyword"
	if d.Type != TypeNone && d.Confidence > g.cfg.MediumThreshold && d.Confidence < g.cfg.HighThreshold {
		if refined, src, ok := g.refine(ctx, req, d); ok {
			d, source = refined, src
		}
	}
	d = g.finalize(d)

	g.store(key, d)
	g.logDecision(req, d, source, false, time.Since(start))
	return d
}

func (g *Gatekeeper) finalize(d Decision) Decision {
	switch {
	case d.Confidence >= g.cfg.HighThreshold && d.Type != TypeNone:
		d.ShouldCreate = true
		d.NeedsConfirmation = false
	case d.Confidence >= g.cfg.MediumThreshold && d.Type != TypeNone:
		d.ShouldCreate = true
		d.NeedsConfirmation = true
	default:
		d.ShouldCreate = false
		d.NeedsConfirmation = false
		d.Type = TypeNone
	}
	return d
}

func (g *Gatekeeper) refine(ctx context.Context, req Request, base Decision) (Decision, string, bool) {
	if g.cfg.Providers == nil {
		return base, "", false
	}
	primary, ok := g.cfg.Providers.Default()
	if !ok {
		return base, "", false
	}

	out, err := g.askLLM(ctx, primary, req, base)
	if err == nil {
		return out, "llm", true
	}
	g.cfg.Logger.Debug().Err(err).Str("provider", primary.Name()).Msg("gatekeeper: refinement failed")

	alt, ok := g.cfg.Providers.Alternate(primary.Name())
	if !ok {
		return base, "", false
	}
	out, err = g.askLLM(ctx, alt, req, base)
	if err != nil {
		g.cfg.Logger.Debug().Err(err).Str("provider", alt.Name()).Msg("gatekeeper: fallback refinement failed")
		return base, "", false
	}
	return out, "llm_fallback", true
}

var errNoJSON = errors.New("no json object in response")

func (g *Gatekeeper) askLLM(ctx context.Context, p providers.Provider, req Request, base Decision) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.LLMTimeout)
	defer cancel()

	temp := 0.0
	stream, err := p.Stream(ctx, providers.Request{
		Model: g.cfg.Models[p.Name()],
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: classifierPrompt},
			{Role: providers.RoleUser, Content: classifierInput(req)},
		},
		Options: providers.Options{MaxTokens: 150, Temperature: &temp},
	})
	if err != nil {
		return base, err
	}
	text, err := providers.ReadAllText(stream)
	if err != nil {
		return base, err
	}
	return applyLLM(base, text)
}

// applyLLM overrides confidence and rationale from the model reply, and the
// type only when the model names one.
func applyLLM(base Decision, text string) (Decision, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return base, errNoJSON
	}
	raw := []byte(text[start : end+1])
	if !gjson.ValidBytes(raw) {
		return base, errNoJSON
	}
	res := gjson.ParseBytes(raw)
	conf := res.Get("confidence")
	if conf.Type != gjson.Number {
		return base, fmt.Errorf("missing confidence in %q", strings.TrimSpace(string(raw)))
	}
	c := conf.Float()
	if c < 0 || c > 1 {
		return base, fmt.Errorf("confidence %v out of range", c)
	}

	out := base
	out.Confidence = c
	if r := strings.TrimSpace(res.Get("rationale").String()); r != "" {
		out.Rationale = r
	}
	if t, ok := parseType(res.Get("type").String()); ok {
		out.Type = t
	}
	return out, nil
}

func classifierInput(req Request) string {
	var b strings.Builder
	if s := strings.TrimSpace(req.ConversationSummary); s != "" {
		b.WriteString("Conversation so far: ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("Message: ")
	b.WriteString(req.UserText)
	return b.String()
}

const classifierPrompt = `You decide whether a chat message asks for a structured artifact.
Artifact types: table, doc, sheet, image. Reply with one JSON object only:
{"type": "table"|"doc"|"sheet"|"image"|null, "confidence": 0.0-1.0, "rationale": "short reason"}

Message: Compare the top three cloud providers on price and regions
{"type": "table", "confidence": 0.9, "rationale": "side by side comparison"}

Message: Draft a project proposal with goals, scope and timeline sections
{"type": "doc", "confidence": 0.88, "rationale": "long structured document"}

Message: Set up a monthly budget I can add expenses to
{"type": "sheet", "confidence": 0.85, "rationale": "editable numeric tracker"}

Message: A watercolor of a lighthouse at dawn
{"type": "image", "confidence": 0.92, "rationale": "visual scene description"}

Message: Why is the sky blue?
{"type": null, "confidence": 0.05, "rationale": "factual question"}`

func cacheKey(req Request) string {
	text := strings.ToLower(strings.TrimSpace(req.UserText))
	if utf8.RuneCountInString(text) > cacheKeyRunes {
		text = string([]rune(text)[:cacheKeyRunes])
	}
	return req.UserID + "\x00" + req.ThreadID + "\x00" + text
}

func (g *Gatekeeper) lookup(key string) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cache[key]
	if !ok {
		return Decision{}, false
	}
	if !g.cfg.Now().Before(c.expires) {
		delete(g.cache, key)
		return Decision{}, false
	}
	return c.decision, true
}

func (g *Gatekeeper) store(key string, d Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.cfg.Now()

	if _, exists := g.cache[key]; !exists && len(g.cache) >= g.cfg.CacheSize {
		for k, c := range g.cache {
			if !now.Before(c.expires) {
				delete(g.cache, k)
			}
		}
		for len(g.cache) >= g.cfg.CacheSize {
			var oldestKey string
			var oldest time.Time
			for k, c := range g.cache {
				if oldestKey == "" || c.inserted.Before(oldest) {
					oldestKey, oldest = k, c.inserted
				}
			}
			delete(g.cache, oldestKey)
		}
	}
	g.cache[key] = cached{decision: d, expires: now.Add(g.cfg.CacheTTL), inserted: now}
}

func (g *Gatekeeper) logDecision(req Request, d Decision, source string, fromCache bool, latency time.Duration) {
	typ := string(d.Type)
	if typ == "" {
		typ = "none"
	}
	g.metrics.GatekeeperDecisions.WithLabelValues(typ, source).Inc()
	g.metrics.GatekeeperLatency.Observe(latency.Seconds())
	g.cfg.Logger.Info().
		Str("event", "gatekeeper_decision").
		Str("user_id", req.UserID).
		Str("thread_id", req.ThreadID).
		Str("type", typ).
		Float64("confidence", d.Confidence).
		Bool("should_create", d.ShouldCreate).
		Bool("needs_confirmation", d.NeedsConfirmation).
		Bool("cached", fromCache).
		Str("source", source).
		Int64("latency_ms", latency.Milliseconds()).
		Msg("gatekeeper_decision")
}
