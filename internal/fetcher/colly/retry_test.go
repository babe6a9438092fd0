package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(2, time.Millisecond)
	tests := []struct {
		name    string
		result  crawler.FetchResult
		attempt int
		want    bool
	}{
		{name: "ok", result: crawler.FetchResult{StatusCode: http.StatusOK}, attempt: 1, want: false},
		{name: "not found", result: crawler.FetchResult{StatusCode: http.StatusNotFound}, attempt: 1, want: false},
		{name: "server error", result: crawler.FetchResult{StatusCode: http.StatusInternalServerError}, attempt: 1, want: true},
		{name: "throttled", result: crawler.FetchResult{StatusCode: http.StatusTooManyRequests}, attempt: 2, want: true},
		{name: "attempts used", result: crawler.FetchResult{StatusCode: http.StatusBadGateway}, attempt: 3, want: false},
		{name: "canceled", result: crawler.FetchResult{Err: fmt.Errorf("wrap: %w", context.Canceled)}, attempt: 1, want: false},
		{name: "deadline", result: crawler.FetchResult{Err: context.DeadlineExceeded}, attempt: 1, want: false},
		{name: "net timeout", result: crawler.FetchResult{Err: timeoutErr{timeout: true}}, attempt: 1, want: true},
		{name: "net refused", result: crawler.FetchResult{Err: timeoutErr{}}, attempt: 1, want: false},
		{name: "other error", result: crawler.FetchResult{Err: errors.New("eof")}, attempt: 1, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := p.shouldRetry(tt.result, tt.attempt); got != tt.want {
				t.Fatalf("shouldRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicyDisabled(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(0, 0)
	if p.shouldRetry(crawler.FetchResult{StatusCode: http.StatusServiceUnavailable}, 1) {
		t.Fatal("expected no retry when retries are zero")
	}
	if p.baseDelay != defaultRetryBackoff {
		t.Fatalf("expected default backoff, got %v", p.baseDelay)
	}
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(5, 100*time.Millisecond)
	for attempt := range 10 {
		delay := float64(100*time.Millisecond) * float64(int(1)<<attempt)
		ceiling := min(time.Duration(delay), maxRetryBackoff)
		got := p.backoff(attempt)
		if got < ceiling/2 || got > ceiling {
			t.Fatalf("backoff(%d) = %v, want within [%v, %v]", attempt, got, ceiling/2, ceiling)
		}
	}
}
