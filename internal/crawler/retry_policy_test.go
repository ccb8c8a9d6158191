package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "bad gateway", err: &StatusError{URL: "u", Code: 502}, want: true},
		{name: "service unavailable wrapped", err: fmt.Errorf("fetch: %w", &StatusError{Code: 503}), want: true},
		{name: "not found", err: &StatusError{Code: 404}, want: false},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "canceled", err: fmt.Errorf("x: %w", context.Canceled), want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "retries exhausted", err: &StatusError{Code: 502}, attempt: 3, want: false},
		{name: "last retry allowed", err: &StatusError{Code: 502}, attempt: 2, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestNewRetryPolicyZeroRetries(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(0, 0, 0)
	assert.False(t, p.ShouldRetry(&StatusError{Code: 502}, 0))
	assert.Equal(t, 500*time.Millisecond, p.baseDelay)
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 100*time.Millisecond, time.Second)
	for i := 0; i < 50; i++ {
		d := p.Backoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)

		capped := p.Backoff(10)
		assert.GreaterOrEqual(t, capped, 500*time.Millisecond)
		assert.Less(t, capped, time.Second)
	}
	assert.Equal(t, "GET u: status 500", (&StatusError{URL: "u", Code: 500}).Error())
}
