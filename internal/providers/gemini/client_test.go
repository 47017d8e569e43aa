package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"llmgate/internal/providers"
)

func TestBuildPayloadInlinesFetchedImages(t *testing.T) {
	pngBytes := []byte("\x89PNG\r\n\x1a\nfake")
	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer img.Close()

	c := New(Config{APIKey: "g", Logger: zerolog.Nop()})
	body, err := c.buildPayload(context.Background(), providers.Request{
		Model: "gemini-2.5-flash",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "sys a"},
			{Role: providers.RoleSystem, Content: "sys b"},
			{Role: providers.RoleUser, Content: "look", Attachments: []providers.Attachment{{URL: img.URL + "/cat.png"}}},
			{Role: providers.RoleAssistant, Content: "a cat"},
		},
		Options: providers.Options{MaxTokens: 64},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	if got := gjson.GetBytes(body, "systemInstruction.parts.0.text").String(); got != "sys a\n\nsys b" {
		t.Fatalf("unexpected system instruction %q", got)
	}
	if got := gjson.GetBytes(body, "contents.1.role").String(); got != "model" {
		t.Fatalf("expected assistant mapped to model, got %q", got)
	}
	inline := gjson.GetBytes(body, "contents.0.parts.1.inline_data")
	if inline.Get("mime_type").String() != "image/png" {
		t.Fatalf("unexpected inline data %s", inline.Raw)
	}
	if inline.Get("data").String() != base64.StdEncoding.EncodeToString(pngBytes) {
		t.Fatalf("image bytes not base64 encoded")
	}
	if gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int() != 64 {
		t.Fatalf("missing maxOutputTokens in %s", body)
	}
}

func TestStreamHandlesSplitAndArrayFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/gemini-2.5-flash:streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)

		_, _ = io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n")
		_, _ = io.WriteString(w, "[{\"candidates\":[{\"content\":\n{\"parts\":[{\"text\":\"lo \"}]}}]}\n")
		_, _ = io.WriteString(w, ",{\"candidates\":[{\"thinking\":{\"parts\":[{\"text\":\"private\"}]},\"delta\":{\"content\":{\"parts\":[{\"text\":\"wor\"}]}}}]}\n")
		_, _ = io.WriteString(w, ",{\"candidate\":{\"content\":{\"parts\":[{\"text\":\"ld\"}]}}}]\n")
	}))
	defer srv.Close()

	c := New(Config{APIKey: "g", BaseURL: srv.URL, Logger: zerolog.Nop()})
	s, err := c.Stream(context.Background(), providers.Request{
		Model:    "gemini-2.5-flash",
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

func TestDecoderThinkingOnlyWhenRequested(t *testing.T) {
	frame := []byte(`{"candidates":[{"thinking":{"parts":[{"text":"hmm"}]},"content":{"parts":[{"text":"idea","thought":true},{"text":"answer"}]}}]}`)

	chunks, _, err := decoder(false)(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "answer" {
		t.Fatalf("unexpected chunks without thinking %#v", chunks)
	}

	chunks, _, err = decoder(true)(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var thinking, text int
	for _, c := range chunks {
		switch c.Kind {
		case providers.ChunkThinking:
			thinking++
		case providers.ChunkText:
			text++
		}
	}
	if thinking != 2 || text != 1 {
		t.Fatalf("expected 2 thinking and 1 text chunk, got %#v", chunks)
	}
}

func TestStreamEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"candidates\":[{\"finishReason\":\"STOP\"}]}\n\n")
	}))
	defer srv.Close()

	c := New(Config{APIKey: "g", BaseURL: srv.URL, Logger: zerolog.Nop()})
	s, err := c.Stream(context.Background(), providers.Request{Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, err := providers.ReadAllText(s); !errors.Is(err, providers.ErrEmptyStream) {
		t.Fatalf("expected ErrEmptyStream, got %v", err)
	}
}
