package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/certwarden/pkg/ca"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/manager"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/cuemby/certwarden/pkg/notifications"
	"github.com/cuemby/certwarden/pkg/provisioning"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// CertificateAuthority is the CA surface exposed to operators
type CertificateAuthority interface {
	Info() (*ca.Info, error)
	CreateSelfSigned(organization string) (*ca.Info, error)
	CreateFromUpload(password []byte, parts []ca.UploadPart) error
	EncodedCertificate() (string, error)
	Truststore() (*keystore.Truststore, error)
}

// Cluster is the raft membership surface served to joining nodes
type Cluster interface {
	IsLeader() bool
	LeaderAddr() string
	AddMember(req *manager.JoinRequest) (*types.ClusterMember, error)
	GenerateJoinToken(role string) (*manager.JoinToken, error)
	ApplyForwarded(cmd *manager.Command) (*manager.ApplyResult, error)
	GetMember(nodeID string) (*types.ClusterMember, error)
}

// Config holds the dependencies of the API server. Unset dependencies leave
// their routes answering 503.
type Config struct {
	Store         storage.Store
	CA            CertificateAuthority
	Provisioning  *provisioning.Admin
	Notifications *notifications.Service
	Cluster       Cluster
	Version       string

	// Signer authenticates token and forwarded-write requests. Without it
	// those routes answer 503.
	Signer *security.RequestSigner
}

// Server is the operator and cluster HTTP API
type Server struct {
	store         storage.Store
	ca            CertificateAuthority
	admin         *provisioning.Admin
	notifications *notifications.Service
	cluster       Cluster
	signer        *security.RequestSigner
	version       string
	joinLimiter   *rateLimiter
	logger        zerolog.Logger

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	return &Server{
		store:         cfg.Store,
		ca:            cfg.CA,
		admin:         cfg.Provisioning,
		notifications: cfg.Notifications,
		cluster:       cfg.Cluster,
		signer:        cfg.Signer,
		version:       cfg.Version,
		joinLimiter:   newRateLimiter(JoinRequestsPerSecond, JoinBurst),
		logger:        log.WithComponent("api"),
	}
}

// Router returns the handler with every route mounted
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ca", func(r chi.Router) {
			r.Use(s.require(s.ca != nil, "certificate authority"))
			r.Get("/", s.getCA)
			r.Post("/create", s.createCA)
			r.Post("/upload", s.uploadCA)
			r.Get("/certificate", s.getCACertificate)
			r.Get("/truststore", s.getTruststore)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.require(s.store != nil, "cluster store"))
			r.Get("/renewal_policy", s.getRenewalPolicy)
			r.Put("/renewal_policy", s.putRenewalPolicy)
			r.Post("/renewal_policy", s.putRenewalPolicy)
			r.Get("/preflight", s.getPreflight)
			r.Put("/preflight", s.putPreflight)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.require(s.admin != nil, "provisioning"))
			r.Get("/provisioning", s.listProvisioning)
			r.Post("/provisioning/generate", s.generateAll)
			r.Get("/provisioning/{nodeID}", s.getProvisioning)
			r.Post("/provisioning/{nodeID}/configure", s.configureNode)
			r.Post("/provisioning/{nodeID}/reset", s.resetNode)
			r.Delete("/startOver", s.startOver)
		})

		r.With(s.require(s.notifications != nil, "notifications")).Get("/notifications", s.listNotifications)

		r.Route("/cluster", func(r chi.Router) {
			r.Use(s.require(s.cluster != nil, "cluster membership"))
			r.With(s.signedBy(false)).Post("/tokens", s.createJoinToken)
			r.With(s.joinLimiter.Limit).Post("/join", s.join)
			r.With(s.signedBy(true)).Post("/apply", s.apply)
		})
	})

	return r
}

// require answers 503 for routes whose dependency is not wired
func (s *Server) require(ok bool, what string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, what+" not available on this node")
		})
	}
}

// Start serves the API on addr until Stop is called
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves the API on ln until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
