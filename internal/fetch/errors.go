package fetch

import (
	"fmt"
	"regexp"
	"time"
)

// TimeoutError means a single attempt exceeded Policy.Timeout. It is never retried.
type TimeoutError struct {
	URL   string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.After)
}

// NonRetryableError is a client-side failure (4xx other than a retried 429,
// an unlisted 5xx, or a content-policy rejection).
type NonRetryableError struct {
	StatusCode int
	Body       string
	Policy     bool
	Err        error
}

func (e *NonRetryableError) Error() string {
	switch {
	case e.Policy && e.StatusCode == 0:
		return fmt.Sprintf("content policy violation: %v", e.Err)
	case e.Policy:
		return fmt.Sprintf("content policy violation (status %d): %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("non-retryable error: %v", e.Err)
	default:
		return fmt.Sprintf("non-retryable status %d: %s", e.StatusCode, e.Body)
	}
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// StatusError is a transient upstream status that survived every retry.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

var policyViolationRe = regexp.MustCompile(`(?i)content[_ ]policy|safety[_ ](system|filter)|policy[_ ]violation|responsible ai|moderation_blocked|blocked (due to|by) safety`)

// IsPolicyViolation reports whether an upstream message describes a content-policy rejection.
func IsPolicyViolation(msg string) bool {
	return policyViolationRe.MatchString(msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
