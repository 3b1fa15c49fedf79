package provisioning

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/certwarden/pkg/health"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// HealthListener is the data node's TLS endpoint. It presents the signed
// node certificate, which is what the server's connectivity check verifies.
type HealthListener struct {
	addr   string
	nodeID string
	logger zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewHealthListener creates a listener for addr (host:port)
func NewHealthListener(addr, nodeID string) *HealthListener {
	return &HealthListener{
		addr:   addr,
		nodeID: nodeID,
		logger: log.WithComponent("health-listener"),
	}
}

func (l *HealthListener) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "node_id": l.nodeID})
	})
	return r
}

// Start serves the health endpoint with cert. Starting a running listener
// swaps in the new certificate by restarting it.
func (l *HealthListener) Start(cert tls.Certificate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		l.stopLocked()
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	srv := &http.Server{
		Handler:           l.router(),
		TLSConfig:         security.ServerTLSConfig(cert, nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.server = srv
	l.listener = ln

	go func() {
		if err := srv.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error().Err(err).Msg("Health listener failed")
		}
	}()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("Health listener started")
	return nil
}

// Addr returns the bound address, or the configured one when not running
func (l *HealthListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

// Running reports whether the listener is serving
func (l *HealthListener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.server != nil
}

// SelfCheck confirms the listener accepts connections
func (l *HealthListener) SelfCheck(ctx context.Context) error {
	res := health.NewTCPChecker(l.Addr()).Check(ctx)
	if !res.Healthy {
		return fmt.Errorf("health listener not accepting connections: %s", res.Message)
	}
	return nil
}

// Stop shuts the listener down
func (l *HealthListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *HealthListener) stopLocked() {
	if l.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Health listener shutdown failed")
	}
	l.server = nil
	l.listener = nil
}
