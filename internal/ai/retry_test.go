package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReasoner returns errs in order, then text
type scriptedReasoner struct {
	mu    sync.Mutex
	errs  []error
	text  string
	calls int
}

func (s *scriptedReasoner) Name() string { return "scripted" }

func (s *scriptedReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	return s.text, nil
}

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Timeout = time.Second
	return cfg
}

func TestRetryingReasoner_RetriesTransientErrors(t *testing.T) {
	inner := &scriptedReasoner{
		errs: []error{errors.New("503 service unavailable"), errors.New("connection reset by peer")},
		text: "ok",
	}
	r := NewRetryingReasoner(inner, fastRetry(), 0, nil)

	text, err := r.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingReasoner_StopsOnPermanentError(t *testing.T) {
	inner := &scriptedReasoner{errs: []error{errors.New("401 unauthorized")}, text: "ok"}
	r := NewRetryingReasoner(inner, fastRetry(), 0, nil)

	_, err := r.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingReasoner_GivesUpAfterMaxRetries(t *testing.T) {
	transient := errors.New("rate limit exceeded")
	inner := &scriptedReasoner{errs: []error{transient, transient, transient, transient}}
	cfg := fastRetry()
	cfg.CircuitBreakerEnabled = false
	r := NewRetryingReasoner(inner, cfg, 0, nil)

	_, err := r.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, cfg.MaxRetries+1, inner.calls)
}

func TestRetryingReasoner_CircuitOpensAndFailsFast(t *testing.T) {
	transient := errors.New("502 bad gateway")
	inner := &scriptedReasoner{errs: []error{transient, transient, transient}}
	cfg := fastRetry()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = time.Hour
	r := NewRetryingReasoner(inner, cfg, 0, nil)

	for i := 0; i < 2; i++ {
		_, err := r.Complete(context.Background(), "prompt")
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, r.breaker.GetState())

	_, err := r.Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls, "open circuit must not reach the reasoner")
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Millisecond, nil)

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Millisecond, nil)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
}

// blockingReasoner tracks peak concurrency
type blockingReasoner struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (b *blockingReasoner) Name() string { return "blocking" }

func (b *blockingReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return "ok", nil
}

func TestRetryingReasoner_ConcurrencyLimit(t *testing.T) {
	inner := &blockingReasoner{}
	r := NewRetryingReasoner(inner, fastRetry(), 2, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Complete(context.Background(), "prompt")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.peak.Load(), int32(2))
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"anthropic 429", &anthropic.Error{StatusCode: 429}, true},
		{"anthropic 529", &anthropic.Error{StatusCode: 529}, true},
		{"anthropic 400", &anthropic.Error{StatusCode: 400}, false},
		{"rate limit text", errors.New("Rate limit reached"), true},
		{"gateway timeout text", errors.New("504 Gateway Timeout"), true},
		{"auth text", errors.New("401 invalid api key"), false},
		{"unknown", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetriableError(tt.err))
		})
	}
}
