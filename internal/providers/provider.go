package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

func (a Attachment) IsImage() bool {
	if a.MimeType != "" {
		return strings.HasPrefix(a.MimeType, "image/")
	}
	if strings.HasPrefix(a.URL, "data:image/") {
		return true
	}
	u := strings.ToLower(a.URL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(u, ext) {
			return true
		}
	}
	return false
}

type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Options struct {
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	EnableThinking bool     `json:"enable_thinking,omitempty"`
	ThinkingBudget int      `json:"thinking_budget,omitempty"`
}

type Request struct {
	Messages []Message
	Model    string
	Options  Options
}

type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkThinking ChunkKind = "thinking_delta"
)

type Chunk struct {
	Kind ChunkKind
	Text string
}

// Provider is the contract every vendor adapter implements.
type Provider interface {
	Name() string
	// Prepare warms connections. It never fails the caller.
	Prepare(ctx context.Context)
	Stream(ctx context.Context, req Request) (*Stream, error)
	Estimate(messages []Message, model string) int
}

// ErrEmptyStream is returned when a successful response yields no usable chunks,
// which almost always means the vendor changed its frame format.
var ErrEmptyStream = errors.New("provider stream produced no chunks")

type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// SplitSystem separates system messages from the conversation.
func SplitSystem(messages []Message) (system []string, rest []Message) {
	rest = make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
