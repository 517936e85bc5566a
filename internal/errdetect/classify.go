// Package errdetect classifies application errors into the platform
// taxonomy, fingerprints them for dedup, and decides per batch whether an
// error event is persisted or adaptively sampled away.
package errdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Category is one of the eleven platform error kinds.
type Category string

const (
	Validation     Category = "VALIDATION"
	Network        Category = "NETWORK"
	CircuitBreaker Category = "CIRCUIT_BREAKER"
	Internal       Category = "INTERNAL"
	Auth           Category = "AUTH"
	RateLimit      Category = "RATE_LIMIT"
	Relational     Category = "RELATIONAL"
	Cache          Category = "CACHE"
	Queue          Category = "QUEUE"
	ExternalAPI    Category = "EXTERNAL_API"
	Timeout        Category = "TIMEOUT"
)

// Priority returns the escalation tier for a category. CIRCUIT_BREAKER is
// the only always-P0 category; rate-based P0s are decided by the alerter.
func (c Category) Priority() string {
	switch c {
	case CircuitBreaker:
		return "P0"
	case Internal, Auth, Relational:
		return "P1"
	default:
		return "P2"
	}
}

// Coder is implemented by errors carrying a machine code (errno, HTTP
// status, driver code).
type Coder interface {
	Code() string
}

// classifyRule maps message substrings to a category; first match wins, so
// more specific rules come first.
var classifyRules = []struct {
	substrs  []string
	category Category
}{
	{[]string{"circuit breaker", "feature disabled", "status=stop"}, CircuitBreaker},
	{[]string{"context deadline exceeded", "timeout", "timed out"}, Timeout},
	{[]string{"unauthorized", "forbidden", "invalid token", "authentication"}, Auth},
	{[]string{"rate limit", "too many requests", "429"}, RateLimit},
	{[]string{"validation", "invalid input", "missing field", "malformed"}, Validation},
	{[]string{"sqlite", "sql:", "constraint", "database is locked"}, Relational},
	{[]string{"redis", "cache"}, Cache},
	{[]string{"queue", "deadletter", "consumer group"}, Queue},
	{[]string{"connection refused", "no such host", "broken pipe", "eof", "network"}, Network},
	{[]string{"upstream", "api error", "bad gateway", "502", "503 from"}, ExternalAPI},
}

var codeRe = regexp.MustCompile(`\b(?:code|errno|status)[=: ]+"?([A-Za-z0-9_-]+)"?`)

// Classify maps an error to (category, code). Unmatched errors are
// INTERNAL: an error the rules cannot name is by definition our bug.
func Classify(err error) (Category, string) {
	if err == nil {
		return Internal, ""
	}
	msg := strings.ToLower(err.Error())
	code := extractCode(err)
	for _, rule := range classifyRules {
		for _, s := range rule.substrs {
			if strings.Contains(msg, s) {
				return rule.category, code
			}
		}
	}
	return Internal, code
}

func extractCode(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	if m := codeRe.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return ""
}

// Fingerprint is the stable dedup identifier for an error class: a sha256
// prefix over category, code, error name and the head of the stack.
func Fingerprint(category Category, code, name, stackHead string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", category, code, name, stackHead)))
	return hex.EncodeToString(h[:8])
}
