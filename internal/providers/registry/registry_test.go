package registry

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestBuildSkipsVendorsWithoutKeys(t *testing.T) {
	r := Build(BuildOptions{
		OpenAI:    VendorOptions{APIKey: "o"},
		Anthropic: VendorOptions{APIKey: "a"},
		Logger:    zerolog.Nop(),
	})
	names := r.Names()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Fatalf("unexpected providers %v", names)
	}
	if _, err := r.Get("gemini"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestDefaultPriority(t *testing.T) {
	r := Build(BuildOptions{
		OpenAI:    VendorOptions{APIKey: "o"},
		Anthropic: VendorOptions{APIKey: "a"},
		Gemini:    VendorOptions{APIKey: "g"},
		Logger:    zerolog.Nop(),
	})
	p, ok := r.Default()
	if !ok || p.Name() != "gemini" {
		t.Fatalf("expected gemini first, got %v", p)
	}

	r = Build(BuildOptions{Anthropic: VendorOptions{APIKey: "a"}, OpenAI: VendorOptions{APIKey: "o"}, Logger: zerolog.Nop()})
	if p, _ := r.Default(); p.Name() != "openai" {
		t.Fatalf("expected openai before anthropic, got %s", p.Name())
	}
}

func TestAlternate(t *testing.T) {
	r := Build(BuildOptions{
		OpenAI:    VendorOptions{APIKey: "o"},
		Anthropic: VendorOptions{APIKey: "a"},
		Gemini:    VendorOptions{APIKey: "g"},
		Logger:    zerolog.Nop(),
	})
	if p, ok := r.Alternate("gemini"); !ok || p.Name() != "openai" {
		t.Fatalf("expected openai as gemini alternate")
	}
	if p, ok := r.Alternate("openai"); !ok || p.Name() != "gemini" {
		t.Fatalf("expected gemini as openai alternate")
	}
	if _, ok := r.Alternate("anthropic"); ok {
		t.Fatalf("anthropic has no alternate")
	}
}

func TestResolveEmptyRegistry(t *testing.T) {
	if _, err := New().Resolve(""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
