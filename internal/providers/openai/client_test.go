package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"llmgate/internal/providers"
)

func TestBuildPayloadWithImage(t *testing.T) {
	temp := 0.2
	body, err := buildPayload(providers.Request{
		Model: "gpt-4o",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "be brief"},
			{Role: providers.RoleUser, Content: "what is this", Attachments: []providers.Attachment{{URL: "https://img.example/cat.png"}}},
		},
		Options: providers.Options{MaxTokens: 50, Temperature: &temp},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload struct {
		Model       string  `json:"model"`
		Stream      bool    `json:"stream"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		Messages    []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload.Stream || payload.MaxTokens != 50 || payload.Temperature != 0.2 {
		t.Fatalf("unexpected payload %s", body)
	}
	if string(payload.Messages[0].Content) != `"be brief"` {
		t.Fatalf("expected plain system content, got %s", payload.Messages[0].Content)
	}
	var parts []map[string]any
	if err := json.Unmarshal(payload.Messages[1].Content, &parts); err != nil {
		t.Fatalf("expected content parts: %v", err)
	}
	if len(parts) != 2 || parts[1]["type"] != "image_url" {
		t.Fatalf("unexpected parts %#v", parts)
	}
}

func TestStreamParsesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer auth")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"hmm\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL, Logger: zerolog.Nop()})
	s, err := c.Stream(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := providers.ReadAllText(s)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", text)
	}
}

func TestStreamSurfacesThinkingWhenRequested(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"hmm\",\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL, Logger: zerolog.Nop()})
	s, err := c.Stream(context.Background(), providers.Request{
		Model:    "o1",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		Options:  providers.Options{EnableThinking: true},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	first, err := s.Recv()
	if err != nil || first.Kind != providers.ChunkThinking || first.Text != "hmm" {
		t.Fatalf("expected thinking chunk, got %#v %v", first, err)
	}
	second, err := s.Recv()
	if err != nil || second.Kind != providers.ChunkText || second.Text != "ok" {
		t.Fatalf("expected text chunk, got %#v %v", second, err)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestStreamNon200IsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL, Logger: zerolog.Nop()})
	_, err := c.Stream(context.Background(), providers.Request{Model: "gpt-4o"})
	var se *providers.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusUnauthorized || se.Provider != Name {
		t.Fatalf("unexpected status error %#v", se)
	}
}
