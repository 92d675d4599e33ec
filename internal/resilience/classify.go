// Package resilience wraps fallible external operations with error
// classification, bounded retry with backoff and jitter, per-service circuit
// breaking, deduplication, and fallback/merge combinators.
package resilience

import "strings"

// Category buckets an error by what it tells us about the upstream service.
type Category string

const (
	CategoryNetworkTransient Category = "network_transient"
	CategoryRateLimited      Category = "rate_limited"
	CategoryAuthExpired      Category = "auth_expired"
	CategoryDataNotFound     Category = "data_not_found"
	CategoryServiceDown      Category = "service_down"
	CategoryLLMOverload      Category = "llm_overload"
	CategoryToolFailed       Category = "tool_failed"
	CategoryUnknown          Category = "unknown"
)

// Keyword tables checked in order. First match wins, so the more specific
// categories come before the generic ones.
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryRateLimited, []string{"429", "rate limit", "too many requests", "quota"}},
	{CategoryAuthExpired, []string{"401", "unauthorized", "token expired", "auth expired", "invalid token"}},
	{CategoryDataNotFound, []string{"404", "not found", "no data"}},
	{CategoryLLMOverload, []string{"overloaded", "capacity", "model is busy"}},
	{CategoryServiceDown, []string{"500", "502", "503", "service unavailable", "bad gateway", "internal server error"}},
	{CategoryNetworkTransient, []string{"econnreset", "econnrefused", "etimedout", "timeout", "timed out", "deadline exceeded", "network", "connection refused", "connection reset", "broken pipe", "eof"}},
	{CategoryToolFailed, []string{"tool failed", "exit status", "command failed"}},
}

// Classify maps an error to a Category by keyword matching over its text.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(msg, kw) {
				return entry.category
			}
		}
	}
	return CategoryUnknown
}

// Retryable reports whether errors of this category are worth retrying.
// Everything else fails fast after one attempt.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetworkTransient, CategoryRateLimited, CategoryServiceDown, CategoryLLMOverload:
		return true
	default:
		return false
	}
}

// BackoffMultiplier stretches the backoff schedule for categories where
// hammering the service makes things worse.
func (c Category) BackoffMultiplier() int {
	switch c {
	case CategoryRateLimited:
		return 3
	case CategoryServiceDown, CategoryLLMOverload:
		return 2
	default:
		return 1
	}
}
