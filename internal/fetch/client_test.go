package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	p.Timeout = 2 * time.Second
	return p
}

func sequenceServer(t *testing.T, statuses []int, header http.Header) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		status := statuses[len(statuses)-1]
		if n < len(statuses) {
			status = statuses[n]
		}
		if status == http.StatusTooManyRequests {
			for k, v := range header {
				w.Header()[k] = v
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":` + http.StatusText(status) + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient() *Client {
	return New(Config{Logger: zerolog.Nop()})
}

func TestDoRetriesServerErrorsThenSucceeds(t *testing.T) {
	srv, calls := sequenceServer(t, []int{500, 500, 200}, nil)

	resp, err := newTestClient().Do(context.Background(), Request{URL: srv.URL}, testPolicy())
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestDoBadRequestIsNotRetried(t *testing.T) {
	srv, calls := sequenceServer(t, []int{400}, nil)

	_, err := newTestClient().Do(context.Background(), Request{URL: srv.URL}, testPolicy())
	var nre *NonRetryableError
	if !errors.As(err, &nre) {
		t.Fatalf("expected NonRetryableError, got %v", err)
	}
	if nre.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", nre.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestDoHonorsRetryAfter(t *testing.T) {
	srv, calls := sequenceServer(t, []int{429, 200}, http.Header{"Retry-After": []string{"1"}})

	start := time.Now()
	resp, err := newTestClient().Do(context.Background(), Request{URL: srv.URL}, testPolicy())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
	if elapsed < 900*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("expected roughly 1s wait, got %s", elapsed)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	srv, calls := sequenceServer(t, []int{503}, nil)

	_, err := newTestClient().Do(context.Background(), Request{URL: srv.URL}, testPolicy())
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestDoTimeoutIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	p := testPolicy()
	p.Timeout = 50 * time.Millisecond
	_, err := newTestClient().Do(context.Background(), Request{URL: srv.URL}, p)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected timeout to stop retries, got %d calls", got)
	}
}

func TestDoPolicyViolationShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"content_policy_violation","message":"rejected by safety system"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient().Do(context.Background(), Request{URL: srv.URL}, testPolicy())
	var nre *NonRetryableError
	if !errors.As(err, &nre) || !nre.Policy {
		t.Fatalf("expected policy NonRetryableError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestDoStopsOnCallerCancel(t *testing.T) {
	srv, _ := sequenceServer(t, []int{503}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p := testPolicy()
	p.InitialDelay = time.Second
	p.MaxDelay = time.Second
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := newTestClient().Do(ctx, Request{URL: srv.URL}, p)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffCurve(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, w, got)
		}
	}
}
