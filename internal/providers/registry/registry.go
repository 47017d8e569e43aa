package registry

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/fetch"
	"llmgate/internal/metrics"
	"llmgate/internal/providers"
	"llmgate/internal/providers/anthropic"
	"llmgate/internal/providers/gemini"
	"llmgate/internal/providers/openai"
)

var ErrUnknownProvider = errors.New("unknown provider")

// priority is the order Default walks when no provider is named.
var priority = []string{gemini.Name, openai.Name, anthropic.Name}

type VendorOptions struct {
	APIKey  string
	BaseURL string
}

type BuildOptions struct {
	OpenAI           VendorOptions
	Anthropic        VendorOptions
	AnthropicVersion string
	Gemini           VendorOptions
	HTTPClient       *http.Client
	Fetcher          *fetch.Client
	StreamTimeout    time.Duration
	Logger           zerolog.Logger
	Metrics          *metrics.Metrics
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	byName map[string]providers.Provider
}

func New(list ...providers.Provider) *Registry {
	r := &Registry{byName: make(map[string]providers.Provider, len(list))}
	for _, p := range list {
		if p != nil {
			r.byName[p.Name()] = p
		}
	}
	return r
}

// Build creates one adapter per vendor that has an API key.
func Build(opts BuildOptions) *Registry {
	var list []providers.Provider
	if strings.TrimSpace(opts.OpenAI.APIKey) != "" {
		list = append(list, openai.New(openai.Config{
			APIKey:     opts.OpenAI.APIKey,
			BaseURL:    opts.OpenAI.BaseURL,
			HTTPClient: opts.HTTPClient,
			Timeout:    opts.StreamTimeout,
			Logger:     opts.Logger.With().Str("provider", openai.Name).Logger(),
			Metrics:    opts.Metrics,
		}))
	}
	if strings.TrimSpace(opts.Anthropic.APIKey) != "" {
		list = append(list, anthropic.New(anthropic.Config{
			APIKey:     opts.Anthropic.APIKey,
			BaseURL:    opts.Anthropic.BaseURL,
			Version:    opts.AnthropicVersion,
			HTTPClient: opts.HTTPClient,
			Timeout:    opts.StreamTimeout,
			Logger:     opts.Logger.With().Str("provider", anthropic.Name).Logger(),
			Metrics:    opts.Metrics,
		}))
	}
	if strings.TrimSpace(opts.Gemini.APIKey) != "" {
		list = append(list, gemini.New(gemini.Config{
			APIKey:     opts.Gemini.APIKey,
			BaseURL:    opts.Gemini.BaseURL,
			HTTPClient: opts.HTTPClient,
			Fetcher:    opts.Fetcher,
			Timeout:    opts.StreamTimeout,
			Logger:     opts.Logger.With().Str("provider", gemini.Name).Logger(),
			Metrics:    opts.Metrics,
		}))
	}
	return New(list...)
}

func (r *Registry) Get(name string) (providers.Provider, error) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Default returns the first configured provider in priority order.
func (r *Registry) Default() (providers.Provider, bool) {
	for _, name := range priority {
		if p, ok := r.byName[name]; ok {
			return p, true
		}
	}
	return nil, false
}

// Alternate returns the fallback paired with name. Only gemini and openai back each other up.
func (r *Registry) Alternate(name string) (providers.Provider, bool) {
	var alt string
	switch name {
	case gemini.Name:
		alt = openai.Name
	case openai.Name:
		alt = gemini.Name
	default:
		return nil, false
	}
	p, ok := r.byName[alt]
	return p, ok
}

// Resolve returns the named provider, or Default when name is empty.
func (r *Registry) Resolve(name string) (providers.Provider, error) {
	if strings.TrimSpace(name) != "" {
		return r.Get(name)
	}
	p, ok := r.Default()
	if !ok {
		return nil, fmt.Errorf("%w: none configured", ErrUnknownProvider)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
