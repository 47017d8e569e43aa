package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/metrics"
)

const maxBodyBytes = 32 << 20

type Policy struct {
	MaxRetries           int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	RetryableStatusCodes []int
	Timeout              time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:           2,
		InitialDelay:         time.Second,
		MaxDelay:             10 * time.Second,
		RetryableStatusCodes: []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
		Timeout:              60 * time.Second,
	}
}

// Backoff returns the sleep before the given attempt (attempt >= 1).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) retryable(status int) bool {
	return slices.Contains(p.RetryableStatusCodes, status)
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Config struct {
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    m,
		sleep:      sleepContext,
	}
}

// Do issues req under policy. It returns *TimeoutError, *NonRetryableError,
// the caller's context error, or the last transient error once retries run out.
func (c *Client) Do(ctx context.Context, req Request, policy Policy) (*Response, error) {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	host := hostOf(req.URL)
	log := c.logger.With().Str("host", host).Logger()

	var lastErr error
	skipBackoff := false
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 && !skipBackoff {
			if err := c.sleep(ctx, policy.Backoff(attempt)); err != nil {
				return nil, err
			}
		}
		skipBackoff = false
		c.metrics.FetchAttempts.WithLabelValues(host).Inc()

		resp, err := c.attempt(ctx, req, policy.Timeout)
		if err != nil {
			var te *TimeoutError
			if errors.As(err, &te) {
				c.metrics.FetchOutcomes.WithLabelValues(host, "timeout").Inc()
				return nil, err
			}
			var nre *NonRetryableError
			if errors.As(err, &nre) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if IsPolicyViolation(err.Error()) {
				c.metrics.FetchOutcomes.WithLabelValues(host, "policy").Inc()
				return nil, &NonRetryableError{Err: err, Policy: true}
			}
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("upstream request failed")
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			c.metrics.FetchOutcomes.WithLabelValues(host, "ok").Inc()
			return resp, nil
		}

		body := truncate(strings.TrimSpace(string(resp.Body)), 2048)
		if IsPolicyViolation(body) {
			c.metrics.FetchOutcomes.WithLabelValues(host, "policy").Inc()
			return nil, &NonRetryableError{StatusCode: resp.StatusCode, Body: body, Policy: true}
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < policy.MaxRetries {
			if wait, ok := retryAfter(resp.Header); ok {
				log.Warn().Int("attempt", attempt).Dur("retry_after", wait).Msg("rate limited upstream")
				if err := c.sleep(ctx, wait); err != nil {
					return nil, err
				}
				lastErr = &StatusError{StatusCode: resp.StatusCode, Body: body}
				skipBackoff = true
				continue
			}
		}

		if policy.retryable(resp.StatusCode) {
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: body}
			log.Warn().Int("attempt", attempt).Int("status", resp.StatusCode).Msg("retryable upstream status")
			continue
		}

		c.metrics.FetchOutcomes.WithLabelValues(host, "client_error").Inc()
		return nil, &NonRetryableError{StatusCode: resp.StatusCode, Body: body}
	}

	c.metrics.FetchOutcomes.WithLabelValues(host, "exhausted").Inc()
	return nil, fmt.Errorf("giving up after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &NonRetryableError{Err: fmt.Errorf("build request: %w", err)}
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, req.URL, timeout, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, req.URL, timeout, fmt.Errorf("read response body: %w", err))
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (c *Client) classify(parent, attemptCtx context.Context, rawURL string, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{URL: rawURL, After: timeout}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{URL: rawURL, After: timeout}
	}
	return err
}

func retryAfter(h http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
