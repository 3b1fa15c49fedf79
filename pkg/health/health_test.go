package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type flakyChecker struct {
	failures int
	calls    int
}

func (f *flakyChecker) Check(ctx context.Context) Result {
	f.calls++
	if f.calls <= f.failures {
		return Result{Message: fmt.Sprintf("attempt %d refused", f.calls)}
	}
	return Result{Healthy: true, Message: "ok"}
}

func (f *flakyChecker) Type() CheckType { return CheckTypeHTTP }

func TestWaitUntilHealthy(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, Delay: time.Millisecond}

	checker := &flakyChecker{failures: 2}
	result, err := WaitUntilHealthy(context.Background(), checker, policy, zerolog.Nop())
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !result.Healthy || checker.calls != 3 {
		t.Errorf("result=%+v calls=%d", result, checker.calls)
	}

	checker = &flakyChecker{failures: 10}
	_, err = WaitUntilHealthy(context.Background(), checker, policy, zerolog.Nop())
	if !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}
	if err.Error() != "attempt 5 refused" || checker.calls != 5 {
		t.Errorf("err=%q calls=%d", err, checker.calls)
	}
}

func TestWaitUntilHealthyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := &flakyChecker{failures: 100}
	_, err := WaitUntilHealthy(ctx, checker, RetryPolicy{Attempts: 50, Delay: 10 * time.Millisecond}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	if checker.calls > 1 {
		t.Errorf("checked %d times after cancel", checker.calls)
	}
}

func TestDataNodeRetryPolicy(t *testing.T) {
	p := DataNodeRetryPolicy()
	if got := time.Duration(p.Attempts) * p.Delay; got != 2*time.Minute {
		t.Errorf("policy waits %s in total", got)
	}
}
