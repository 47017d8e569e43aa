package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"llmgate/internal/fetch"
	"llmgate/internal/metrics"
	"llmgate/internal/providers"
)

const (
	Name           = "gemini"
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
)

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// Fetcher downloads image attachments before they are inlined.
	Fetcher *fetch.Client
	Timeout time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Client struct {
	cfg         Config
	imagePolicy fetch.Policy
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(fetch.Config{HTTPClient: cfg.HTTPClient, Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	p := fetch.DefaultPolicy()
	p.MaxRetries = 1
	p.Timeout = 15 * time.Second
	return &Client{cfg: cfg, imagePolicy: p}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return Name }

func (c *Client) Prepare(ctx context.Context) {
	providers.Warm(ctx, c.cfg.HTTPClient, c.cfg.BaseURL, c.cfg.Logger)
}

func (c *Client) Estimate(messages []providers.Message, _ string) int {
	return providers.Estimate(messages)
}

func (c *Client) Stream(ctx context.Context, req providers.Request) (*providers.Stream, error) {
	body, err := c.buildPayload(ctx, req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.cfg.BaseURL, url.PathEscape(req.Model), url.QueryEscape(c.cfg.APIKey))

	ctx, cancel := providers.RequestContext(ctx, c.cfg.Timeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		cancel()
		c.cfg.Metrics.ProviderStreams.WithLabelValues(Name, "transport_error").Inc()
		// the url carries the key; never surface it
		return nil, fmt.Errorf("gemini request failed: %w", redact(err, c.cfg.APIKey))
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		c.cfg.Metrics.ProviderStreams.WithLabelValues(Name, "status_error").Inc()
		return nil, providers.StatusFromResponse(Name, resp)
	}

	return providers.NewStream(providers.StreamConfig{
		Provider:   Name,
		Model:      req.Model,
		Body:       resp.Body,
		Decode:     decoder(req.Options.EnableThinking),
		Accumulate: true,
		Cancel:     cancel,
		Logger:     c.cfg.Logger,
		Metrics:    c.cfg.Metrics,
	}), nil
}

func (c *Client) buildPayload(ctx context.Context, req providers.Request) ([]byte, error) {
	system, rest := providers.SplitSystem(req.Messages)

	contents := make([]map[string]any, 0, len(rest))
	for _, m := range rest {
		role := "user"
		if m.Role == providers.RoleAssistant {
			role = "model"
		}
		parts := make([]map[string]any, 0, 1+len(m.Attachments))
		if m.Content != "" {
			parts = append(parts, map[string]any{"text": m.Content})
		}
		for _, a := range m.Attachments {
			if !a.IsImage() {
				continue
			}
			inline, err := c.inlineImage(ctx, a)
			if err != nil {
				return nil, err
			}
			parts = append(parts, map[string]any{"inline_data": inline})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	payload := map[string]any{"contents": contents}
	if len(system) > 0 {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(system, "\n\n")}},
		}
	}

	gen := map[string]any{}
	if req.Options.MaxTokens > 0 {
		gen["maxOutputTokens"] = req.Options.MaxTokens
	}
	if req.Options.Temperature != nil {
		gen["temperature"] = *req.Options.Temperature
	}
	if req.Options.EnableThinking {
		tc := map[string]any{"includeThoughts": true}
		if req.Options.ThinkingBudget > 0 {
			tc["thinkingBudget"] = req.Options.ThinkingBudget
		}
		gen["thinkingConfig"] = tc
	}
	if len(gen) > 0 {
		payload["generationConfig"] = gen
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate content payload: %w", err)
	}
	return b, nil
}

func (c *Client) inlineImage(ctx context.Context, a providers.Attachment) (map[string]any, error) {
	if rest, ok := strings.CutPrefix(a.URL, "data:"); ok {
		if mime, data, ok := strings.Cut(rest, ";base64,"); ok {
			return map[string]any{"mime_type": mime, "data": data}, nil
		}
	}

	resp, err := c.cfg.Fetcher.Do(ctx, fetch.Request{Method: http.MethodGet, URL: a.URL}, c.imagePolicy)
	if err != nil {
		return nil, fmt.Errorf("fetch image attachment: %w", err)
	}
	mime := a.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "" {
		mime = http.DetectContentType(resp.Body)
	}
	return map[string]any{
		"mime_type": mime,
		"data":      base64.StdEncoding.EncodeToString(resp.Body),
	}, nil
}

// textPaths lists every location a vendor revision has used for streamed text.
var textPaths = []string{
	"candidates.#.content.parts",
	"candidates.#.delta.content.parts",
	"candidate.content.parts",
}

func decoder(thinking bool) providers.DecodeFunc {
	return func(frame []byte) ([]providers.Chunk, bool, error) {
		if !gjson.ValidBytes(frame) {
			return nil, false, fmt.Errorf("invalid json frame")
		}
		root := gjson.ParseBytes(frame)
		if e := root.Get("error"); e.Exists() {
			return nil, false, fmt.Errorf("stream error frame: %s", e.Get("message").String())
		}

		var out []providers.Chunk
		collect := func(parts gjson.Result, kind providers.ChunkKind) {
			parts.ForEach(func(_, p gjson.Result) bool {
				text := p.Get("text").String()
				if text == "" {
					return true
				}
				k := kind
				if p.Get("thought").Bool() {
					k = providers.ChunkThinking
				}
				if k == providers.ChunkThinking && !thinking {
					return true
				}
				out = append(out, providers.Chunk{Kind: k, Text: text})
				return true
			})
		}

		for _, path := range textPaths {
			res := root.Get(path)
			if !res.Exists() {
				continue
			}
			if strings.HasPrefix(path, "candidates.#") {
				res.ForEach(func(_, parts gjson.Result) bool {
					collect(parts, providers.ChunkText)
					return true
				})
				continue
			}
			collect(res, providers.ChunkText)
		}
		root.Get("candidates.#.thinking.parts").ForEach(func(_, parts gjson.Result) bool {
			collect(parts, providers.ChunkThinking)
			return true
		})
		return out, false, nil
	}
}

func redact(err error, key string) error {
	var ue *url.Error
	if key == "" || !errors.As(err, &ue) {
		return err
	}
	return &url.Error{Op: ue.Op, URL: strings.ReplaceAll(ue.URL, url.QueryEscape(key), "REDACTED"), Err: ue.Err}
}
