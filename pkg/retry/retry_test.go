package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
)

func fastConfig() Config {
	config := DefaultConfig()
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeConnectionTimeout, "connection timeout")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	testErr := errors.NewError(errors.ErrCodeHTTPStatus, "status 404")

	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return testErr
	})

	if !stderr.Is(err, testErr) {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorsAreNotRetried(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	_ = retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return stderr.New("plain")
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableErrorsList(t *testing.T) {
	config := fastConfig()
	config.RetryableErrors = []errors.ErrorCode{errors.ErrCodeHTTPStatus}
	retryer := New(config)

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeHTTPStatus, "status 503")
	})

	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if attempts != config.MaxAttempts {
		t.Errorf("Expected %d attempts, got %d", config.MaxAttempts, attempts)
	}
	if !errors.HasCode(err, errors.ErrCodeHTTPStatus) {
		t.Errorf("Expected last error to be returned, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 10
	config.InitialDelay = time.Second
	config.MaxDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- retryer.Do(ctx, func(ctx context.Context) error {
			attempts++
			return errors.NewError(errors.ErrCodeNetworkError, "reset")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.HasCode(err, errors.ErrCodeOperationCanceled) {
			t.Errorf("Expected OPERATION_CANCELED, got %v", err)
		}
		if !stderr.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled in chain, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancel, got %d", attempts)
	}
}

func TestRetryer_OnRetry(t *testing.T) {
	config := fastConfig()
	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}
	retryer := New(config)

	_ = retryer.Do(context.Background(), func(ctx context.Context) error {
		return errors.NewError(errors.ErrCodeNetworkError, "reset")
	})

	if len(delays) != config.MaxAttempts-1 {
		t.Fatalf("Expected %d OnRetry calls, got %d", config.MaxAttempts-1, len(delays))
	}
	if delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("Unexpected backoff sequence: %v", delays)
	}
}

func TestCalculateDelay_Capped(t *testing.T) {
	config := fastConfig()
	retryer := New(config)

	if d := retryer.calculateDelay(10); d != config.MaxDelay {
		t.Errorf("calculateDelay(10) = %v, want %v", d, config.MaxDelay)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	retryer := New(Config{})
	cfg := retryer.Config()
	if cfg.MaxAttempts != 3 || cfg.InitialDelay <= 0 || cfg.MaxDelay <= 0 || cfg.Multiplier != 2.0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
