package infra

import (
	"math"
	"time"
)

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// CalculateBackoff returns the delay for the given retry attempt: 1s, 2s, 4s ... capped at 60s
func CalculateBackoff(retryCount int) time.Duration {
	return CalculateBackoffWith(retryCount, baseDelay, maxDelay)
}

// CalculateBackoffWith is CalculateBackoff with explicit bounds
func CalculateBackoffWith(retryCount int, base, limit time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return limit
	}
	delay := base * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > limit || delay <= 0 {
		delay = limit
	}
	return delay
}
