package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/certwarden/pkg/storage"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the body of GET /ready. Checks maps each probe to a short
// description; Message names the first probe that failed.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// readinessCheck describes one dependency. required checks gate readiness;
// the others are reported only.
type readinessCheck struct {
	name     string
	required bool
	probe    func() (string, error)
}

func (s *Server) readinessChecks() []readinessCheck {
	return []readinessCheck{
		{name: "raft", required: true, probe: s.probeRaft},
		{name: "storage", required: true, probe: s.probeStorage},
		{name: "ca", probe: s.probeCA},
		{name: "preflight", probe: s.probePreflight},
	}
}

func (s *Server) probeRaft() (string, error) {
	switch {
	case s.cluster == nil:
		return "", fmt.Errorf("cluster not initialized")
	case s.cluster.IsLeader():
		return "leader", nil
	case s.cluster.LeaderAddr() != "":
		return "follower of " + s.cluster.LeaderAddr(), nil
	default:
		return "", fmt.Errorf("no leader elected")
	}
}

func (s *Server) probeStorage() (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("storage not initialized")
	}
	configs, err := s.store.ListProvisioning()
	if err != nil {
		return "", fmt.Errorf("storage not accessible: %w", err)
	}
	return fmt.Sprintf("ok, %d data node(s)", len(configs)), nil
}

// probeCA reports the CA. A cluster without one is still ready for preflight.
func (s *Server) probeCA() (string, error) {
	if s.ca == nil {
		return "", fmt.Errorf("not served by this node")
	}
	info, err := s.ca.Info()
	if err != nil {
		return "none", nil
	}
	if left := time.Until(info.NotAfter); left <= 0 {
		return "", fmt.Errorf("%s expired %s", info.Subject, info.NotAfter.Format(time.DateOnly))
	}
	return fmt.Sprintf("%s, valid until %s", info.Subject, info.NotAfter.Format(time.DateOnly)), nil
}

func (s *Server) probePreflight() (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("storage not initialized")
	}
	result, err := storage.GetPreflightResult(s.store)
	if err != nil {
		return "", err
	}
	if result == "" {
		return "not started", nil
	}
	return string(result), nil
}

// healthHandler is a liveness check: 200 while the process serves requests
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
	})
}

// readyHandler answers 503 until every required check passes
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]string),
	}
	code := http.StatusOK

	for _, c := range s.readinessChecks() {
		detail, err := c.probe()
		if err == nil {
			resp.Checks[c.name] = detail
			continue
		}
		resp.Checks[c.name] = err.Error()
		if c.required && code == http.StatusOK {
			code = http.StatusServiceUnavailable
			resp.Status = "not ready"
			resp.Message = c.name + ": " + err.Error()
		}
	}

	writeJSON(w, code, resp)
}
