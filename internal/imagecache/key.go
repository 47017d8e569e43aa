package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var personalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(i|me|my|mine|we|us|our|ours|myself)\b`),
	regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`),
	regexp.MustCompile(`(?i)\b(mom|mum|dad|mother|father|son|daughter|sister|brother|wife|husband|grandma|grandpa|grandmother|grandfather|family|kids?|children|baby|babies|newborn|wedding|bride|groom|fiance|fiancee|engagement|anniversary)\b`),
}

// IsPersonal reports whether a raw prompt looks privacy-sensitive.
func IsPersonal(prompt string) bool {
	for _, re := range personalPatterns {
		if re.MatchString(prompt) {
			return true
		}
	}
	return false
}

// NormalizePrompt lower-cases, strips punctuation and collapses whitespace.
func NormalizePrompt(prompt string) string {
	var b strings.Builder
	b.Grow(len(prompt))
	space := false
	for _, r := range strings.ToLower(prompt) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CanonicalOptions renders opts as JSON with sorted object keys.
func CanonicalOptions(opts any) (string, error) {
	if opts == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("unmarshal options: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal canonical options: %w", err)
	}
	return string(out), nil
}

// Key hashes the normalized prompt and canonical options. userID is mixed in
// only for personal prompts, so generic prompts share entries across users.
func Key(prompt, canonicalOptions, userID string) (key string, personal bool) {
	personal = IsPersonal(prompt)
	h := sha256.New()
	if personal {
		h.Write([]byte(userID))
		h.Write([]byte{0})
	}
	h.Write([]byte(NormalizePrompt(prompt)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalOptions))
	return hex.EncodeToString(h.Sum(nil)), personal
}
