package offline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryerSuccess(t *testing.T) {
	r := NewRetryer(DefaultRetryConfig())

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.LastErr != nil {
		t.Errorf("expected no error, got %v", result.LastErr)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryerFailureThenSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastErr != nil {
		t.Errorf("expected no error, got %v", result.LastErr)
	}
}

func TestRetryerAllFailures(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	expectedErr := errors.New("persistent error")
	result := r.Do(context.Background(), func() error {
		return expectedErr
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastErr != expectedErr {
		t.Errorf("expected %v, got %v", expectedErr, result.LastErr)
	}
}

func TestRetryerContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: time.Second, // Long backoff
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan RetryResult)
	go func() {
		done <- r.Do(ctx, func() error {
			return errors.New("error")
		})
	}()

	// Let it fail once, then cancel
	time.Sleep(10 * time.Millisecond)
	cancel()

	result := <-done
	if !errors.Is(result.LastErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.LastErr)
	}
}

func TestRetryerRetryIf(t *testing.T) {
	retryableErr := errors.New("retryable")
	nonRetryableErr := errors.New("non-retryable")

	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf: func(err error) bool {
			return err == retryableErr
		},
	})

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return retryableErr
		}
		return nil
	})
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts for retryable, got %d", result.Attempts)
	}

	result = r.Do(context.Background(), func() error {
		return nonRetryableErr
	})
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt for non-retryable, got %d", result.Attempts)
	}
	if result.LastErr != nonRetryableErr {
		t.Errorf("expected non-retryable error")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection refused", errors.New("connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"timeout", errors.New("request timeout"), true},
		{"503", errors.New("status 503"), true},
		{"429", errors.New("429 Too Many Requests"), true},
		{"generic error", errors.New("something went wrong"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	// Initial state should be closed
	if cb.State() != "closed" {
		t.Errorf("expected closed state, got %s", cb.State())
	}

	// Successful calls keep circuit closed
	err := cb.Execute(func() error { return nil })
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// Failures should accumulate
	testErr := errors.New("test error")
	for i := 0; i < 3; i++ {
		err = cb.Execute(func() error { return testErr })
		if err != testErr {
			t.Errorf("expected test error")
		}
	}

	// Circuit should now be open
	if cb.State() != "open" {
		t.Errorf("expected open state after failures, got %s", cb.State())
	}
	err = cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	// After the reset timeout the circuit half-opens and a success closes it
	time.Sleep(110 * time.Millisecond)
	err = cb.Execute(func() error { return nil })
	if err != nil {
		t.Errorf("unexpected error after reset: %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("expected closed state after recovery, got %s", cb.State())
	}
}
