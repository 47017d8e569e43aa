package openai

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
	Name           = "openai"
	DefaultBaseURL = "https://api.openai.com"
)

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds a whole stream, zero means only the caller's context applies.
	Timeout time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
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
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		cancel()
		c.cfg.Metrics.ProviderStreams.WithLabelValues(Name, "transport_error").Inc()
		return nil, fmt.Errorf("openai request: %w", err)
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
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": messageContent(m),
		})
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}
	if req.Options.MaxTokens > 0 {
		payload["max_tokens"] = req.Options.MaxTokens
	}
	if req.Options.Temperature != nil {
		payload["temperature"] = *req.Options.Temperature
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, nil
}

// messageContent keeps plain strings for text-only messages and switches to
// content parts once an image is attached.
func messageContent(m providers.Message) any {
	var images []providers.Attachment
	for _, a := range m.Attachments {
		if a.IsImage() {
			images = append(images, a)
		}
	}
	if len(images) == 0 {
		return m.Content
	}
	parts := make([]map[string]any, 0, len(images)+1)
	if m.Content != "" {
		parts = append(parts, map[string]any{"type": "text", "text": m.Content})
	}
	for _, a := range images {
		parts = append(parts, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": a.URL},
		})
	}
	return parts
}

func decoder(thinking bool) providers.DecodeFunc {
	return func(frame []byte) ([]providers.Chunk, bool, error) {
		if bytes.Equal(frame, []byte("[DONE]")) {
			return nil, true, nil
		}
		if !gjson.ValidBytes(frame) {
			return nil, false, fmt.Errorf("invalid json frame")
		}
		delta := gjson.GetBytes(frame, "choices.0.delta")
		var out []providers.Chunk
		if thinking {
			if r := delta.Get("reasoning_content").String(); r != "" {
				out = append(out, providers.Chunk{Kind: providers.ChunkThinking, Text: r})
			}
		}
		if t := delta.Get("content").String(); t != "" {
			out = append(out, providers.Chunk{Kind: providers.ChunkText, Text: t})
		}
		return out, false, nil
	}
}
