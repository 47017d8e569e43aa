package providers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

func textDecoder(frame []byte) ([]Chunk, bool, error) {
	if string(frame) == "[DONE]" {
		return nil, true, nil
	}
	if !gjson.ValidBytes(frame) {
		return nil, false, fmt.Errorf("invalid json")
	}
	return []Chunk{{Kind: ChunkText, Text: gjson.GetBytes(frame, "t").String()}}, false, nil
}

func newTestStream(body string, accumulate bool, logger zerolog.Logger) *Stream {
	return NewStream(StreamConfig{
		Provider:   "test",
		Model:      "m",
		Body:       io.NopCloser(strings.NewReader(body)),
		Decode:     textDecoder,
		Accumulate: accumulate,
		Logger:     logger,
	})
}

func drain(t *testing.T, s *Stream) ([]Chunk, error) {
	t.Helper()
	var out []Chunk
	for {
		c, err := s.Recv()
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func TestStreamSSEFramesInOrder(t *testing.T) {
	body := ": keepalive\nevent: delta\ndata: {\"t\":\"Hel\"}\n\ndata: {\"t\":\"lo\"}\n\ndata: [DONE]\n\ndata: {\"t\":\"ignored\"}\n"
	chunks, err := drain(t, newTestStream(body, false, zerolog.Nop()))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "Hel" || chunks[1].Text != "lo" {
		t.Fatalf("unexpected chunks %#v", chunks)
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	var logs bytes.Buffer
	body := "data: {\"t\":\"a\"}\ndata: {not json\ndata: {\"t\":\"b\"}\n"
	chunks, err := drain(t, newTestStream(body, false, zerolog.New(&logs)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !strings.Contains(logs.String(), "skipping malformed stream frame") {
		t.Fatalf("expected malformed frame warning, got %q", logs.String())
	}
}

func TestStreamAccumulatesSplitJSON(t *testing.T) {
	body := "[{\n\"t\": \"one\"\n}\n,{\"t\":\n\"two\"}\n]\n"
	chunks, err := drain(t, newTestStream(body, true, zerolog.Nop()))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "one" || chunks[1].Text != "two" {
		t.Fatalf("unexpected chunks %#v", chunks)
	}
}

func TestStreamSkipsUnfinishedFragment(t *testing.T) {
	body := "data: {\"t\":\"a\"}\ndata: {\"t\": \"trunc\ndata: {\"t\":\"b\"}\ndata: {\"t\":\"c\"}\n"
	chunks, err := drain(t, newTestStream(body, true, zerolog.Nop()))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(chunks) != 3 || chunks[0].Text != "a" || chunks[1].Text != "b" || chunks[2].Text != "c" {
		t.Fatalf("unexpected chunks %#v", chunks)
	}
}

func TestStreamSkipsUnfinishedArrayElement(t *testing.T) {
	body := "[{\"t\":\"a\"}\n,{\"t\": \"trunc\n,{\"t\":\"b\"}\n]\n"
	chunks, err := drain(t, newTestStream(body, true, zerolog.Nop()))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "a" || chunks[1].Text != "b" {
		t.Fatalf("unexpected chunks %#v", chunks)
	}
}

func TestStreamEmptyIsError(t *testing.T) {
	_, err := drain(t, newTestStream("data: [DONE]\n", false, zerolog.Nop()))
	if !errors.Is(err, ErrEmptyStream) {
		t.Fatalf("expected ErrEmptyStream, got %v", err)
	}
}

func TestReadAllText(t *testing.T) {
	text, err := ReadAllText(newTestStream("data: {\"t\":\"a\"}\ndata: {\"t\":\"b\"}\n", false, zerolog.Nop()))
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if text != "ab" {
		t.Fatalf("expected ab, got %q", text)
	}
}

func TestEstimate(t *testing.T) {
	got := Estimate([]Message{
		{Role: RoleUser, Content: "abcdefgh"},
		{Role: RoleUser, Content: "abc", Attachments: []Attachment{{URL: "https://x/cat.PNG?s=1"}, {URL: "https://x/doc.pdf"}}},
	})
	// 4 + (4+2) + (4+1+170)
	if got != 185 {
		t.Fatalf("expected 185, got %d", got)
	}
}

func TestSplitSystem(t *testing.T) {
	sys, rest := SplitSystem([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: " "},
	})
	if len(sys) != 1 || sys[0] != "be brief" {
		t.Fatalf("unexpected system %#v", sys)
	}
	if len(rest) != 1 || rest[0].Role != RoleUser {
		t.Fatalf("unexpected rest %#v", rest)
	}
}
