package providers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"llmgate/internal/metrics"
)

const maxFrameBytes = 1 << 20

// DecodeFunc turns one complete JSON frame into chunks. done ends the stream early.
type DecodeFunc func(frame []byte) (chunks []Chunk, done bool, err error)

type StreamConfig struct {
	Provider string
	Model    string
	Body     io.ReadCloser
	Decode   DecodeFunc
	// Accumulate buffers lines until they form a valid JSON object, for
	// vendors whose frames may span several lines or sit inside a JSON array.
	Accumulate bool
	Cancel     context.CancelFunc
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Stream is a pull-based, non-restartable sequence of chunks for one request.
// Recv returns io.EOF after the last chunk. Close releases the connection.
type Stream struct {
	cfg     StreamConfig
	reader  *bufio.Reader
	buf     []byte
	pending []Chunk
	count   int
	done    bool
	err     error
	started time.Time
	closed  bool
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Stream{
		cfg:     cfg,
		reader:  bufio.NewReaderSize(cfg.Body, 64<<10),
		started: time.Now(),
	}
}

func (s *Stream) Provider() string { return s.cfg.Provider }
func (s *Stream) Model() string    { return s.cfg.Model }

func (s *Stream) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			if s.count == 0 {
				s.cfg.Metrics.ProviderTTFB.WithLabelValues(s.cfg.Provider).Observe(time.Since(s.started).Seconds())
			}
			s.count++
			s.cfg.Metrics.ProviderChunks.WithLabelValues(s.cfg.Provider, string(c.Kind)).Inc()
			return c, nil
		}
		if s.err != nil {
			return Chunk{}, s.err
		}
		if s.done {
			s.err = s.finish()
			continue
		}
		s.readLine()
	}
}

func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cfg.Cancel != nil {
		s.cfg.Cancel()
	}
	return s.cfg.Body.Close()
}

func (s *Stream) finish() error {
	_ = s.Close()
	if s.count == 0 {
		s.cfg.Metrics.ProviderStreams.WithLabelValues(s.cfg.Provider, "empty").Inc()
		return fmt.Errorf("%s/%s: %w", s.cfg.Provider, s.cfg.Model, ErrEmptyStream)
	}
	s.cfg.Metrics.ProviderStreams.WithLabelValues(s.cfg.Provider, "ok").Inc()
	return io.EOF
}

func (s *Stream) readLine() {
	line, err := s.reader.ReadBytes('\n')
	if len(line) > 0 {
		s.handleLine(line)
	}
	if err == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		if len(s.buf) > 0 {
			s.logMalformed(s.buf, errors.New("truncated frame at end of stream"))
			s.buf = nil
		}
		s.done = true
		return
	}
	_ = s.Close()
	s.cfg.Metrics.ProviderStreams.WithLabelValues(s.cfg.Provider, "read_error").Inc()
	s.err = fmt.Errorf("read %s stream: %w", s.cfg.Provider, err)
}

func (s *Stream) handleLine(line []byte) {
	payload := bytes.TrimSpace(line)
	if len(payload) == 0 || payload[0] == ':' || bytes.HasPrefix(payload, []byte("event:")) {
		return
	}
	sse := bytes.HasPrefix(payload, []byte("data:"))
	if sse {
		payload = bytes.TrimSpace(payload[len("data:"):])
	}
	if len(payload) == 0 {
		return
	}

	if !s.cfg.Accumulate {
		s.decode(payload)
		return
	}

	// A complete object on a new data line or array element starts a fresh
	// frame, so an unfinished fragment before it is dropped.
	if len(s.buf) > 0 && (sse || payload[0] == ',' || payload[0] == '[') {
		if frame := bytes.TrimRight(bytes.TrimLeft(payload, "[, \t"), ",]"); len(frame) > 0 && frame[0] == '{' && gjson.ValidBytes(frame) {
			s.logMalformed(s.buf, errors.New("incomplete frame"))
			s.buf = s.buf[:0]
			s.decode(append([]byte(nil), frame...))
			return
		}
	}

	if len(s.buf) == 0 {
		payload = bytes.TrimLeft(payload, "[, \t")
		if len(payload) == 0 || bytes.Equal(payload, []byte("]")) {
			return
		}
		if payload[0] != '{' {
			s.logMalformed(payload, errors.New("frame does not start with an object"))
			return
		}
	}
	s.buf = append(s.buf, payload...)
	s.buf = append(s.buf, '\n')
	candidate := bytes.TrimRight(bytes.TrimSpace(s.buf), ",]")
	if gjson.ValidBytes(candidate) {
		frame := append([]byte(nil), candidate...)
		s.buf = s.buf[:0]
		s.decode(frame)
		return
	}
	if len(s.buf) > maxFrameBytes {
		s.logMalformed(s.buf, errors.New("frame exceeds size limit"))
		s.buf = s.buf[:0]
	}
}

func (s *Stream) decode(frame []byte) {
	chunks, done, err := s.cfg.Decode(frame)
	if err != nil {
		s.logMalformed(frame, err)
		return
	}
	for _, c := range chunks {
		if c.Text != "" {
			s.pending = append(s.pending, c)
		}
	}
	if done {
		s.done = true
	}
}

func (s *Stream) logMalformed(frame []byte, err error) {
	sample := string(frame)
	if len(sample) > 200 {
		sample = sample[:200] + "..."
	}
	s.cfg.Logger.Warn().Err(err).
		Str("provider", s.cfg.Provider).
		Str("sample", sample).
		Msg("skipping malformed stream frame")
}

// ReadAllText drains the stream and returns the concatenated plain text.
// Thinking chunks are dropped.
func ReadAllText(s *Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		if c.Kind == ChunkText {
			b.WriteString(c.Text)
		}
	}
}

// StatusFromResponse reads a non-200 body into a *StatusError and closes it.
func StatusFromResponse(provider string, resp *http.Response) error {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// Warm issues a best-effort HEAD request so the first real call reuses a warm connection.
func Warm(ctx context.Context, client *http.Client, target string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("prepare: build request")
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Debug().Err(err).Msg("prepare: warm-up failed")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// RequestContext derives the context that owns one upstream stream.
func RequestContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
