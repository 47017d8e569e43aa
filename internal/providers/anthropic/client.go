package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"llmgate/internal/metrics"
	"llmgate/internal/providers"
)

const (
	Name             = "anthropic"
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultMaxTokens = 4096
	// minimum budget the messages API accepts for extended thinking
	minThinkingBudget = 1024
)

type Config struct {
	APIKey     string
	BaseURL    string
	Version    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Client{cfg: cfg}
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
	body, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := providers.RequestContext(ctx, c.cfg.Timeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", c.cfg.Version)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		cancel()
		c.cfg.Metrics.ProviderStreams.WithLabelValues(Name, "transport_error").Inc()
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		c.cfg.Metrics.ProviderStreams.WithLabelValues(Name, "status_error").Inc()
		return nil, providers.StatusFromResponse(Name, resp)
	}

	return providers.NewStream(providers.StreamConfig{
		Provider: Name,
		Model:    req.Model,
		Body:     resp.Body,
		Decode:   decoder(req.Options.EnableThinking),
		Cancel:   cancel,
		Logger:   c.cfg.Logger,
		Metrics:  c.cfg.Metrics,
	}), nil
}

func buildPayload(req providers.Request) ([]byte, error) {
	system, rest := providers.SplitSystem(req.Messages)

	messages := make([]map[string]any, 0, len(rest))
	for _, m := range rest {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": messageContent(m),
		})
	}

	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	payload := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	if req.Options.Temperature != nil && !req.Options.EnableThinking {
		payload["temperature"] = *req.Options.Temperature
	}
	if req.Options.EnableThinking {
		budget := req.Options.ThinkingBudget
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		if budget >= maxTokens {
			payload["max_tokens"] = budget + maxTokens
		}
		payload["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

func messageContent(m providers.Message) any {
	var blocks []map[string]any
	for _, a := range m.Attachments {
		if !a.IsImage() {
			continue
		}
		blocks = append(blocks, map[string]any{
			"type":   "image",
			"source": imageSource(a),
		})
	}
	if len(blocks) == 0 {
		return m.Content
	}
	if m.Content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
	}
	return blocks
}

func imageSource(a providers.Attachment) map[string]any {
	if rest, ok := strings.CutPrefix(a.URL, "data:"); ok {
		if mime, data, ok := strings.Cut(rest, ";base64,"); ok {
			return map[string]any{"type": "base64", "media_type": mime, "data": data}
		}
	}
	return map[string]any{"type": "url", "url": a.URL}
}

func decoder(thinking bool) providers.DecodeFunc {
	return func(frame []byte) ([]providers.Chunk, bool, error) {
		if !gjson.ValidBytes(frame) {
			return nil, false, fmt.Errorf("invalid json frame")
		}
		ev := gjson.ParseBytes(frame)
		switch ev.Get("type").String() {
		case "message_stop":
			return nil, true, nil
		case "error":
			return nil, false, fmt.Errorf("stream error event: %s", ev.Get("error.message").String())
		case "content_block_delta":
		default:
			return nil, false, nil
		}

		delta := ev.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []providers.Chunk{{Kind: providers.ChunkText, Text: delta.Get("text").String()}}, false, nil
		case "thinking_delta":
			if !thinking {
				return nil, false, nil
			}
			return []providers.Chunk{{Kind: providers.ChunkThinking, Text: delta.Get("thinking").String()}}, false, nil
		}
		return nil, false, nil
	}
}
