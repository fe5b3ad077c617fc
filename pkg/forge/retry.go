package forge

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// StatusError captures an HTTP status code from a provider response so the
// transient classifier can inspect it.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// transientIndicators are matched as substrings against the lower-cased
// error text. "grounding" and "validation" are on the list, but Run checks
// for a typed ValidationError before consulting IsTransient, so strict
// validation failures from Run are never retried.
var transientIndicators = []string{
	"429", "rate limit", "quota",
	"timeout", "timed out",
	"502", "503", "504",
	"connection", "network",
	"grounding", "validation",
	"temporarily unavailable",
	"service unavailable",
	"internal server error",
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, tok := range transientIndicators {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// BackoffDelay computes the sleep before retry attempt (1-based) using
// exponential backoff with full jitter: Uniform(0, min(base·2^(attempt−1),
// max)).
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(base) * math.Pow(2, float64(attempt-1))
	if ceiling > float64(max) {
		ceiling = float64(max)
	}
	return time.Duration(rand.Float64() * ceiling)
}

// sleepBackoff waits the jittered delay or returns early on cancellation.
func sleepBackoff(ctx context.Context, attempt int, base, max time.Duration) error {
	select {
	case <-time.After(BackoffDelay(attempt, base, max)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
