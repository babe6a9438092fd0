package collyfetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	defaultRetryBackoff = 250 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
)

// retryPolicy retries transient fetch failures with jittered exponential
// backoff. maxAttempts counts the first try.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func newRetryPolicy(retries int, base time.Duration) retryPolicy {
	if retries < 0 {
		retries = 0
	}
	if base <= 0 {
		base = defaultRetryBackoff
	}
	return retryPolicy{
		maxAttempts: retries + 1,
		baseDelay:   base,
		maxDelay:    max(maxRetryBackoff, base),
	}
}

// shouldRetry reports whether another attempt follows the given result.
// attempt is the number of attempts made so far.
func (p retryPolicy) shouldRetry(result crawler.FetchResult, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	if err := result.Err; err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return netErr.Timeout()
		}
		return true
	}
	return result.StatusCode == http.StatusTooManyRequests || result.StatusCode >= http.StatusInternalServerError
}

// backoff returns the wait before attempt+1.
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
