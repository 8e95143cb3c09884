package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// retryAfterSeconds reads the integer-seconds form of Retry-After. Header
// lookup is case-insensitive, so the one helper serves every provider.
func retryAfterSeconds(headers http.Header) time.Duration {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func headerInt(headers http.Header, key string) int {
	n, _ := strconv.Atoi(headers.Get(key))
	return n
}

// ParseOpenAIHeaders reads the x-ratelimit family used by OpenAI-compatible
// upstreams. Reset headers carry unix seconds.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:        retryAfterSeconds(headers),
		RequestsRemaining: headerInt(headers, "x-ratelimit-remaining-requests"),
		TokensRemaining:   headerInt(headers, "x-ratelimit-remaining-tokens"),
	}
	for _, key := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if v := headers.Get(key); v != "" {
			if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.ResetTime = reset
				break
			}
		}
	}
	return info
}

// ParseAnthropicHeaders reads the anthropic-ratelimit family. Reset stamps
// arrive as RFC3339 and are folded down to unix seconds.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:            retryAfterSeconds(headers),
		RequestsRemaining:     headerInt(headers, "anthropic-ratelimit-requests-remaining"),
		InputTokensRemaining:  headerInt(headers, "anthropic-ratelimit-input-tokens-remaining"),
		OutputTokensRemaining: headerInt(headers, "anthropic-ratelimit-output-tokens-remaining"),
	}
	for _, key := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if v := headers.Get(key); v != "" {
			if reset, err := time.Parse(time.RFC3339, v); err == nil {
				info.ResetTime = reset.Unix()
				break
			}
		}
	}
	return info
}

// ParseGeminiHeaders covers Gemini, which only exposes Retry-After.
func ParseGeminiHeaders(headers http.Header) RateLimitInfo {
	return RateLimitInfo{RetryAfter: retryAfterSeconds(headers)}
}
