package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/certwarden/pkg/manager"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllow(t *testing.T) {
	l := newRateLimiter(1, 2)
	now := time.Now()

	assert.True(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now), "burst exhausted")
	assert.True(t, l.allow("10.0.0.2", now), "other clients have their own budget")

	assert.True(t, l.allow("10.0.0.1", now.Add(time.Second)), "one token refilled")
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	l := newRateLimiter(1, 1)
	now := time.Now()

	l.allow("10.0.0.1", now)
	l.allow("10.0.0.2", now.Add(limiterIdle/2))
	l.allow("10.0.0.2", now.Add(limiterIdle+time.Second))

	if _, ok := l.clients["10.0.0.1"]; ok {
		t.Fatal("idle limiter was not removed")
	}
	assert.Len(t, l.clients, 1)
}

func TestJoinIsRateLimited(t *testing.T) {
	f := newFixture(t)
	f.cluster.joinErr = manager.ErrInvalidToken
	join := manager.JoinRequest{NodeID: "n2", RaftAddr: "127.0.0.1:7001", APIAddr: "127.0.0.1:8081", Token: "guess"}

	limited := -1
	for i := 0; i < JoinBurst+5; i++ {
		w := f.do(t, http.MethodPost, "/v1/cluster/join", join)
		if w.Code == http.StatusTooManyRequests {
			limited = i
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
			break
		}
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	if limited < JoinBurst {
		t.Fatalf("expected throttling after %d attempts, got %d", JoinBurst, limited)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", clientIP(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientIP(r))
}
