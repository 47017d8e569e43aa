package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"llmgate/internal/fetch"
	"llmgate/internal/imagecache"
)

// Backend maps one vendor's image API onto Resilient Fetch.
type Backend interface {
	Name() string
	Model() string
	Generate(ctx context.Context, prompt string, opts Options) ([]imagecache.Image, error)
}

// Options are the knobs that change the output and therefore the cache key.
type Options struct {
	N           int    `json:"n,omitempty"`
	Size        string `json:"size,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Style       string `json:"style,omitempty"`
}

func (o Options) count() int {
	if o.N <= 0 {
		return 1
	}
	return o.N
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Fetcher *fetch.Client
	Policy  fetch.Policy
}

type OpenAIBackend struct {
	cfg OpenAIConfig
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "dall-e-3"
	}
	return &OpenAIBackend{cfg: cfg}
}

func (b *OpenAIBackend) Name() string  { return "openai" }
func (b *OpenAIBackend) Model() string { return b.cfg.Model }

func (b *OpenAIBackend) Generate(ctx context.Context, prompt string, opts Options) ([]imagecache.Image, error) {
	payload := map[string]any{
		"model":  b.cfg.Model,
		"prompt": prompt,
		"n":      opts.count(),
	}
	size := opts.Size
	if size == "" {
		size = "1024x1024"
	}
	payload["size"] = size
	if opts.Quality != "" {
		payload["quality"] = opts.Quality
	}
	if strings.HasPrefix(b.cfg.Model, "dall-e") {
		// gpt-image models always return base64 and reject the field
		payload["response_format"] = "b64_json"
		if opts.Style != "" {
			payload["style"] = opts.Style
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	resp, err := b.cfg.Fetcher.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    b.cfg.BaseURL + "/v1/images/generations",
		Header: http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer " + b.cfg.APIKey},
		},
		Body: body,
	}, b.cfg.Policy)
	if err != nil {
		return nil, err
	}

	var images []imagecache.Image
	gjson.GetBytes(resp.Body, "data").ForEach(func(_, item gjson.Result) bool {
		if b64 := item.Get("b64_json").String(); b64 != "" {
			images = append(images, pngImage(b64))
		}
		return true
	})
	if len(images) == 0 {
		return nil, fmt.Errorf("openai image response had no b64_json data")
	}
	return images, nil
}

type GoogleConfig struct {
	// APIKey selects the Generative Language endpoint. Without it the Vertex
	// endpoint is used with AccessToken.
	APIKey      string
	BaseURL     string
	Project     string
	Location    string
	AccessToken string
	Model       string
	Fetcher     *fetch.Client
	Policy      fetch.Policy
}

type GoogleBackend struct {
	cfg GoogleConfig
}

func NewGoogleBackend(cfg GoogleConfig) *GoogleBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.Model == "" {
		cfg.Model = "imagen-3.0-generate-002"
	}
	return &GoogleBackend{cfg: cfg}
}

func (b *GoogleBackend) Name() string  { return "google" }
func (b *GoogleBackend) Model() string { return b.cfg.Model }

// Vertex reports whether requests go to Vertex AI rather than the API-key endpoint.
func (b *GoogleBackend) Vertex() bool { return b.cfg.APIKey == "" }

func (b *GoogleBackend) endpoint() string {
	if !b.Vertex() {
		return fmt.Sprintf("%s/v1beta/models/%s:predict?key=%s", b.cfg.BaseURL, url.PathEscape(b.cfg.Model), url.QueryEscape(b.cfg.APIKey))
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		b.cfg.Location, url.PathEscape(b.cfg.Project), b.cfg.Location, url.PathEscape(b.cfg.Model))
}

func (b *GoogleBackend) Generate(ctx context.Context, prompt string, opts Options) ([]imagecache.Image, error) {
	params := map[string]any{"sampleCount": opts.count()}
	if opts.AspectRatio != "" {
		params["aspectRatio"] = opts.AspectRatio
	}
	body, err := json.Marshal(map[string]any{
		"instances":  []map[string]any{{"prompt": prompt}},
		"parameters": params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal imagen request: %w", err)
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	if b.Vertex() {
		header.Set("Authorization", "Bearer "+b.cfg.AccessToken)
	}
	resp, err := b.cfg.Fetcher.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    b.endpoint(),
		Header: header,
		Body:   body,
	}, b.cfg.Policy)
	if err != nil {
		return nil, err
	}

	var images []imagecache.Image
	var filtered string
	gjson.GetBytes(resp.Body, "predictions").ForEach(func(_, p gjson.Result) bool {
		if r := p.Get("raiFilteredReason").String(); r != "" {
			filtered = r
			return true
		}
		if b64 := p.Get("bytesBase64Encoded").String(); b64 != "" {
			mime := p.Get("mimeType").String()
			if mime == "" {
				mime = "image/png"
			}
			images = append(images, imagecache.Image{Mime: mime, DataURL: "data:" + mime + ";base64," + b64})
		}
		return true
	})
	if len(images) == 0 {
		if filtered != "" {
			return nil, &fetch.NonRetryableError{StatusCode: resp.StatusCode, Body: filtered, Policy: true}
		}
		return nil, fmt.Errorf("imagen response had no predictions")
	}
	return images, nil
}

func pngImage(b64 string) imagecache.Image {
	return imagecache.Image{Mime: "image/png", DataURL: "data:image/png;base64," + b64}
}

// DecodeDataURL returns the raw bytes of a base64 data URL.
func DecodeDataURL(dataURL string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data url")
	}
	mime, b64, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, "", fmt.Errorf("data url is not base64")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	return raw, mime, nil
}
