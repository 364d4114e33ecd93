package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("boom"), "retry me"), true},
		{"explicit permanent", NewPermanentError(errors.New("boom"), "give up"), false},
		{"wrapped transient", fmt.Errorf("outer: %w", NewTransientError(nil, "inner")), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"request timeout", timeoutErr{}, true},
		{"wrapped request timeout", fmt.Errorf("Post \"/api/chat\": %w", timeoutErr{}), true},
		{"client timeout matching deadline sentinel", clientTimeoutErr{}, true},
		{"http 500", NewHTTPStatusError(500, "500 Internal Server Error", ""), true},
		{"http 503", NewHTTPStatusError(503, "503 Service Unavailable", ""), true},
		{"http 404 model loading", NewHTTPStatusError(404, "404 Not Found", ""), true},
		{"http 429", NewHTTPStatusError(429, "429 Too Many Requests", ""), true},
		{"http 400", NewHTTPStatusError(400, "400 Bad Request", ""), false},
		{"http 401", NewHTTPStatusError(401, "401 Unauthorized", ""), false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain error", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline reached" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// clientTimeoutErr mimics an http.Client.Timeout failure on Go 1.23+, which
// reports Timeout() and matches the context.DeadlineExceeded sentinel.
type clientTimeoutErr struct{}

func (clientTimeoutErr) Error() string {
	return "context deadline exceeded (Client.Timeout exceeded while awaiting headers)"
}
func (clientTimeoutErr) Timeout() bool        { return true }
func (clientTimeoutErr) Temporary() bool      { return true }
func (clientTimeoutErr) Is(target error) bool { return target == context.DeadlineExceeded }

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(timeoutErr{}))
	assert.True(t, IsTimeout(errors.New("request timeout after 120s")))
	assert.False(t, IsTimeout(errors.New("connection refused")))
	assert.False(t, IsTimeout(nil))
}

func TestSleepReturnsImmediatelyForNonPositive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, Sleep(ctx, 0), "a zero wait never consults the context")
}

func TestSleepReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
