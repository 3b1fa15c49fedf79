package health

import (
	"context"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTLSServer(t *testing.T, status int) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return srv, pool
}

func TestHTTPSCheckerHealthy(t *testing.T) {
	srv, pool := newTLSServer(t, http.StatusOK)

	checker, err := NewHTTPSChecker(srv.URL+"/health", pool)
	require.NoError(t, err)
	res := checker.Check(context.Background())

	require.True(t, res.Healthy, res.Message)
	require.NotNil(t, res.Peer)
	assert.Equal(t, srv.Certificate().SerialNumber, res.Peer.SerialNumber)
	assert.Equal(t, CheckTypeHTTP, checker.Type())
}

func TestHTTPSCheckerStatus(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusFound} {
		srv, pool := newTLSServer(t, status)
		checker, err := NewHTTPSChecker(srv.URL, pool)
		require.NoError(t, err)

		res := checker.Check(context.Background())
		if res.Healthy {
			t.Errorf("HTTP %d reported healthy", status)
		}
		assert.Nil(t, res.Peer)
	}
}

func TestHTTPSCheckerUntrusted(t *testing.T) {
	srv, _ := newTLSServer(t, http.StatusOK)

	checker, err := NewHTTPSChecker(srv.URL, x509.NewCertPool())
	require.NoError(t, err)
	res := checker.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "request failed")
}

func TestHTTPSCheckerRejectsURL(t *testing.T) {
	for _, raw := range []string{"http://node:8999/health", "https://", "://bad"} {
		if _, err := NewHTTPSChecker(raw, x509.NewCertPool()); err == nil {
			t.Errorf("%q accepted", raw)
		}
	}
}

func TestHTTPSCheckerTimeout(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	checker, err := NewHTTPSChecker(srv.URL, pool)
	require.NoError(t, err)
	res := checker.WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Less(t, res.Duration, time.Second)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	checker := NewTCPChecker(ln.Addr().String())

	if res := checker.Check(context.Background()); !res.Healthy {
		t.Fatalf("listener reported unhealthy: %s", res.Message)
	}

	ln.Close()
	res := checker.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Equal(t, CheckTypeTCP, checker.Type())
}
