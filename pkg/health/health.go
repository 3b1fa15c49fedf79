package health

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration

	// Peer is the leaf certificate served by a TLS endpoint
	Peer *x509.Certificate
}

// Checker runs one probe
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// RetryPolicy controls WaitUntilHealthy
type RetryPolicy struct {
	// Attempts is the total number of checks
	Attempts uint

	// Delay is the fixed wait between checks
	Delay time.Duration

	// QuietPeriod suppresses failure logging while a node is still starting
	QuietPeriod time.Duration
}

// DataNodeRetryPolicy is used when waiting for a data node to come up
// after startup: 40 checks three seconds apart, silent for the first minute.
func DataNodeRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    40,
		Delay:       3 * time.Second,
		QuietPeriod: time.Minute,
	}
}

// ErrUnhealthy wraps the message of the last failed check
var ErrUnhealthy = errors.New("health check failed")

// WaitUntilHealthy runs c until it reports healthy, the attempts run out or
// ctx is done. The returned error carries the last failure message.
func WaitUntilHealthy(ctx context.Context, c Checker, policy RetryPolicy, logger zerolog.Logger) (Result, error) {
	start := time.Now()
	var last Result

	err := retry.Do(
		func() error {
			last = c.Check(ctx)
			if !last.Healthy {
				return &unhealthyError{msg: last.Message}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(policy.Attempts),
		retry.Delay(policy.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if time.Since(start) < policy.QuietPeriod {
				return
			}
			logger.Warn().Err(err).Uint("attempt", n+1).Str("check", string(c.Type())).Msg("Health check still failing")
		}),
	)
	return last, err
}

type unhealthyError struct {
	msg string
}

func (e *unhealthyError) Error() string { return e.msg }

func (e *unhealthyError) Unwrap() error { return ErrUnhealthy }
