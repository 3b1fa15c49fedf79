package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func readiness(t *testing.T, s *Server) (int, ReadyResponse) {
	t.Helper()
	w := serve(s, http.MethodGet, "/ready")
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return w.Code, resp
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(Config{Version: "test"})

	w := serve(s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)

	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		if w := serve(s, method, "/health"); w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s /health = %d", method, w.Code)
		}
	}
}

func TestReadyWithoutDependencies(t *testing.T) {
	code, resp := readiness(t, NewServer(Config{}))

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "raft: cluster not initialized", resp.Message)
	assert.Equal(t, "storage not initialized", resp.Checks["storage"])
	assert.Equal(t, "not served by this node", resp.Checks["ca"])
}

func TestReadyOnLeader(t *testing.T) {
	f := newFixture(t)

	code, resp := readiness(t, f.server)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "leader", resp.Checks["raft"])
	assert.Equal(t, "ok, 0 data node(s)", resp.Checks["storage"])
	assert.Equal(t, "none", resp.Checks["ca"])
	assert.Equal(t, "not started", resp.Checks["preflight"])

	_, err := f.ca.CreateSelfSigned("Ready CA")
	require.NoError(t, err)
	require.NoError(t, storage.PutPreflightResult(f.store, types.PreflightFinished))
	require.NoError(t, f.store.SaveProvisioning(types.NewProvisioningConfig("n1", nil)))

	code, resp = readiness(t, f.server)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, strings.HasPrefix(resp.Checks["ca"], "CN=Ready CA"), resp.Checks["ca"])
	assert.Equal(t, "FINISHED", resp.Checks["preflight"])
	assert.Equal(t, "ok, 1 data node(s)", resp.Checks["storage"])
}

func TestReadyWithoutLeader(t *testing.T) {
	f := newFixture(t)
	f.cluster.leader = false

	code, resp := readiness(t, f.server)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "raft: no leader elected", resp.Message)
	assert.Equal(t, "ok, 0 data node(s)", resp.Checks["storage"], "later checks still run")
}

func TestRoutes(t *testing.T) {
	s := NewServer(Config{})

	tests := []struct {
		path   string
		status int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
		{"/v1/ca", http.StatusServiceUnavailable},
		{"/nonexistent", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.status, serve(s, http.MethodGet, tt.path).Code)
		})
	}
}

func TestHealthConcurrency(t *testing.T) {
	router := NewServer(Config{}).Router()

	done := make(chan int, 20)
	for i := 0; i < 20; i++ {
		path := "/health"
		if i%2 == 1 {
			path = "/ready"
		}
		go func(path string) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			done <- w.Code
		}(path)
	}
	for i := 0; i < 20; i++ {
		assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, <-done)
	}
}
