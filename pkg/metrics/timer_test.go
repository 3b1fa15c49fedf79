package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	if first < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", first)
	}
	time.Sleep(5 * time.Millisecond)
	if second := timer.Duration(); second <= first {
		t.Errorf("Duration() not increasing: %v then %v", first, second)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_sign_duration_seconds",
		Help: "test",
	})

	NewTimer().ObserveDuration(h)
	NewTimer().ObserveDuration(h)

	if n := testutil.CollectAndCount(h); n != 1 {
		t.Fatalf("collected %d metrics, want 1", n)
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	before := testutil.CollectAndCount(APIRequestDuration)

	NewTimer().ObserveDurationVec(APIRequestDuration, "TEST")

	if after := testutil.CollectAndCount(APIRequestDuration); after != before+1 {
		t.Errorf("series = %d, want %d", after, before+1)
	}
}

func TestCountersAreRegistered(t *testing.T) {
	StateTransitions.WithLabelValues("CSR", "SIGNED").Inc()
	RenewalChecks.WithLabelValues("valid").Inc()

	if got := testutil.ToFloat64(StateTransitions.WithLabelValues("CSR", "SIGNED")); got < 1 {
		t.Errorf("state transitions = %v", got)
	}

	// registering again must fail: the collectors live in the default registry
	if err := prometheus.Register(RenewalChecks); err == nil {
		t.Error("RenewalChecks was not registered at init")
	}
}
