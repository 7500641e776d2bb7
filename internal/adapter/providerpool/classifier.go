package providerpool

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"conductor/internal/domain"
)

// ErrorCategory indicates whether a provider error is retryable on the same
// provider or requires failover.
type ErrorCategory int

const (
	CategoryTransient ErrorCategory = iota // timeout, 429, 5xx, connection errors
	CategoryPermanent                      // auth failure, malformed request, other 4xx
)

// statusPattern matches "status NNN" or "API error NNN" fragments that
// provider clients embed in their error strings.
var statusPattern = regexp.MustCompile(`(?:status|API error) (\d{3})`)

// Classify inspects a provider error and decides the retry path. Transient
// errors retry against the same provider; permanent errors fail over to the
// next candidate. Unknown errors are treated as transient so one opaque
// failure does not burn a provider out of the chain.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryTransient
	}

	switch {
	case errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrTransientProvider),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	case errors.Is(err, domain.ErrPermanentProvider):
		return CategoryPermanent
	}

	errStr := err.Error()
	if matches := statusPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return classifyByStatus(code)
	}
	return classifyByString(errStr)
}

func classifyByStatus(code int) ErrorCategory {
	switch {
	case code == 429:
		return CategoryTransient
	case code >= 500 && code < 600:
		return CategoryTransient
	case code >= 400 && code < 500:
		return CategoryPermanent
	default:
		return CategoryTransient
	}
}

func classifyByString(errStr string) ErrorCategory {
	lower := strings.ToLower(errStr)

	for _, p := range []string{
		"unauthorized", "forbidden", "invalid api key",
		"authentication", "malformed", "bad request",
	} {
		if strings.Contains(lower, p) {
			return CategoryPermanent
		}
	}

	// Everything that smells like network trouble is worth a retry:
	// timeouts, resets, refused connections, rate limits.
	return CategoryTransient
}
