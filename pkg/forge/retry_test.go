package forge

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	transient := []error{
		errors.New("429 Too Many Requests"),
		errors.New("provider rate limit exceeded"),
		errors.New("monthly quota exhausted"),
		errors.New("request timed out"),
		errors.New("context deadline: timeout"),
		&StatusError{StatusCode: 502, Body: "Bad Gateway"},
		&StatusError{StatusCode: 503, Body: "Service Unavailable"},
		&StatusError{StatusCode: 504, Body: "Gateway Timeout"},
		errors.New("connection reset by peer"),
		errors.New("network is unreachable"),
		errors.New("service temporarily unavailable"),
		fmt.Errorf("wrapped: %w", errors.New("internal server error")),
		&ValidationError{Message: "response validation failed: missing grounding", MissingGrounding: true},
	}
	for _, err := range transient {
		assert.True(t, IsTransient(err), "expected transient: %v", err)
	}

	fatal := []error{
		nil,
		errors.New("invalid API key"),
		&StatusError{StatusCode: 401, Body: "Unauthorized"},
		&StatusError{StatusCode: 400, Body: "max_tokens too large"},
	}
	for _, err := range fatal {
		assert.False(t, IsTransient(err), "expected fatal: %v", err)
	}
}

func TestBackoffDelay_FullJitter(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := time.Duration(float64(base) * float64(int(1)<<(attempt-1)))
		if ceiling > max {
			ceiling = max
		}
		for i := 0; i < 50; i++ {
			d := BackoffDelay(attempt, base, max)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	max := time.Second
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, BackoffDelay(20, 500*time.Millisecond, max), max)
	}
}
