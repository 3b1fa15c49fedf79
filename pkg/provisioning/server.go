package provisioning

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/events"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/cuemby/certwarden/pkg/notifications"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultInterval is how often the provisioning periodicals run
const DefaultInterval = 2 * time.Second

// MsgNoCSR is stored on a node that reached CSR without a request
const MsgNoCSR = "Node in CSR state, but no CSR present"

// CertificateAuthority is the part of the CA service provisioning needs
type CertificateAuthority interface {
	Exists() (bool, error)
	Certificate() (*x509.Certificate, error)
	Truststore() (*keystore.Truststore, error)
	SignCertificateRequest(csr *x509.CertificateRequest, policy types.RenewalPolicy) (*certutil.CertificateChain, error)
}

// Leadership reports whether this process runs the cluster-wide tasks
type Leadership interface {
	IsLeader() bool
}

// ServerConfig wires a ServerPeriodical
type ServerConfig struct {
	Store         storage.Store
	CA            CertificateAuthority
	Notifications *notifications.Service
	Publisher     events.Publisher
	Leadership    Leadership
	Connectivity  ConnectivityChecker

	// Broker, when set, lets the periodical sign requests as soon as their
	// event arrives instead of on the next tick
	Broker *events.Broker

	Interval time.Duration
}

// ServerPeriodical drives the CA side of provisioning. It only acts on the
// raft leader and only once both a CA and a renewal policy exist.
type ServerPeriodical struct {
	store         storage.Store
	ca            CertificateAuthority
	notifications *notifications.Service
	publisher     events.Publisher
	leadership    Leadership
	connectivity  ConnectivityChecker
	broker        *events.Broker
	states        *StateWriter
	interval      time.Duration
	logger        zerolog.Logger

	// mu serializes ticks with event-driven signing
	mu sync.Mutex

	checksMu sync.Mutex
	checking map[string]bool
	checks   sync.WaitGroup
}

// NewServerPeriodical creates the server side periodical
func NewServerPeriodical(cfg ServerConfig) *ServerPeriodical {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &ServerPeriodical{
		store:         cfg.Store,
		ca:            cfg.CA,
		notifications: cfg.Notifications,
		publisher:     cfg.Publisher,
		leadership:    cfg.Leadership,
		connectivity:  cfg.Connectivity,
		broker:        cfg.Broker,
		states:        NewStateWriter(cfg.Store, cfg.Publisher),
		interval:      interval,
		checking:      make(map[string]bool),
		logger:        log.WithComponent("provisioning-server"),
	}
}

// Run ticks until ctx is done, then waits for running connectivity checks
func (s *ServerPeriodical) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Provisioning periodical started")

	var sub events.Subscriber
	if s.broker != nil {
		sub = s.broker.Subscribe(events.EventCertificateSigningRequest)
		defer s.broker.Unsubscribe(sub)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.checks.Wait()
			s.logger.Info().Msg("Provisioning periodical stopped")
			return
		case <-ticker.C:
			if !s.leadership.IsLeader() {
				continue
			}
			timer := metrics.NewTimer()
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Provisioning tick failed")
			}
			timer.ObserveDuration(metrics.ProvisioningTickDuration)
		case evt, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			s.handleEvent(evt)
		}
	}
}

func (s *ServerPeriodical) handleEvent(evt *events.Event) {
	req, ok := evt.Payload.(events.CertificateSigningRequest)
	if !ok || !s.leadership.IsLeader() {
		return
	}
	policy, ready, err := s.ready()
	if err != nil || !ready {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.store.GetProvisioning(req.NodeID)
	if err != nil || cfg.State != types.StateCSR {
		return
	}
	s.sign(cfg, policy)
}

// ready returns the renewal policy once both it and a CA exist
func (s *ServerPeriodical) ready() (*types.RenewalPolicy, bool, error) {
	exists, err := s.ca.Exists()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check CA: %w", err)
	}
	if !exists {
		s.logger.Debug().Msg("No CA available, skipping provisioning")
		return nil, false, nil
	}
	policy, err := storage.GetRenewalPolicy(s.store)
	if storage.IsNotFound(err) {
		s.logger.Debug().Msg("No renewal policy available, skipping provisioning")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return policy, true, nil
}

// Tick runs one provisioning pass
func (s *ServerPeriodical) Tick(ctx context.Context) error {
	policy, ready, err := s.ready()
	if err != nil || !ready {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	configs, err := s.store.ListProvisioning()
	if err != nil {
		return fmt.Errorf("failed to list provisioning records: %w", err)
	}
	byState := lo.GroupBy(configs, func(c *types.ProvisioningConfig) types.ProvisioningState {
		return c.State
	})

	preflight, err := storage.GetPreflightResult(s.store)
	if err != nil {
		return fmt.Errorf("failed to read preflight result: %w", err)
	}

	if preflight == types.PreflightPrepared || preflight == types.PreflightFinished {
		s.configureNewNodes(policy, byState[types.StateUnconfigured])
	}

	if preflight != types.PreflightPrepared {
		prepared := byState[types.StateStartupPrepared]
		if len(prepared) > 0 {
			s.triggerStartup(prepared)
			// the nodes pick the trigger up first; the rest waits a tick
			return nil
		}
	}

	for _, cfg := range byState[types.StateCSR] {
		s.sign(cfg, policy)
	}

	for _, cfg := range byState[types.StateStartupRequested] {
		if _, err := s.states.Move(cfg.NodeID, types.StateStartupRequested, types.StateConnecting, ""); err != nil {
			s.states.Report(cfg.NodeID, err)
			continue
		}
		s.startConnectivityCheck(ctx, cfg.NodeID)
	}

	// a new leader resumes checks its predecessor left behind
	for _, cfg := range byState[types.StateConnecting] {
		s.startConnectivityCheck(ctx, cfg.NodeID)
	}
	return nil
}

func (s *ServerPeriodical) configureNewNodes(policy *types.RenewalPolicy, unconfigured []*types.ProvisioningConfig) {
	if policy.Mode == types.RenewalModeAutomatic {
		for _, cfg := range unconfigured {
			if _, err := s.states.Move(cfg.NodeID, types.StateUnconfigured, types.StateConfigured, ""); err != nil {
				s.states.Report(cfg.NodeID, err)
			}
		}
		return
	}

	var err error
	if len(unconfigured) > 0 {
		_, err = s.notifications.PublishIfFirst(notifications.DataNodeNeedsProvisioning())
	} else {
		err = s.notifications.Fixed(types.NotificationDataNodeNeedsProvisioning, "")
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update provisioning notification")
	}
}

func (s *ServerPeriodical) triggerStartup(prepared []*types.ProvisioningConfig) {
	for _, cfg := range prepared {
		if _, err := s.states.Move(cfg.NodeID, types.StateStartupPrepared, types.StateStartupTrigger, ""); err != nil {
			s.states.Report(cfg.NodeID, err)
			continue
		}
		s.states.publish(events.DataNodeLifecycle{NodeID: cfg.NodeID, Trigger: events.TriggerStart})
	}
}

// sign issues the certificate for a node in CSR and stores the chain on its
// record. The chain is also posted so the node can install it right away.
func (s *ServerPeriodical) sign(cfg *types.ProvisioningConfig, policy *types.RenewalPolicy) {
	logger := s.logger.With().Str("node_id", cfg.NodeID).Logger()

	if cfg.CSR == "" {
		logger.Error().Msg(MsgNoCSR)
		s.failFrom(cfg.NodeID, types.StateCSR, MsgNoCSR)
		return
	}

	csr, err := certutil.ParseCSRPEM([]byte(cfg.CSR))
	if err == nil {
		var chain *certutil.CertificateChain
		chain, err = s.ca.SignCertificateRequest(csr, *policy)
		if err == nil {
			pem := chain.PEM()
			_, err = s.states.Apply(cfg.NodeID, Change{
				From: []types.ProvisioningState{types.StateCSR},
				To:   types.StateSigned,
				Mutate: func(c *types.ProvisioningConfig) {
					c.CertificateChain = pem
					c.CSR = ""
				},
			})
			if err != nil {
				s.states.Report(cfg.NodeID, err)
				return
			}
			s.states.publish(events.CertificateSigned{NodeID: cfg.NodeID, CertificateChain: pem})
			logger.Info().Time("not_after", chain.Leaf.NotAfter).Msg("Node certificate signed")
			return
		}
	}

	logger.Error().Err(err).Msg("Could not sign CSR")
	s.failFrom(cfg.NodeID, types.StateCSR, err.Error())
}

func (s *ServerPeriodical) failFrom(nodeID string, from types.ProvisioningState, msg string) {
	if _, err := s.states.Move(nodeID, from, types.StateError, msg); err != nil {
		s.states.Report(nodeID, err)
	}
}

func (s *ServerPeriodical) startConnectivityCheck(ctx context.Context, nodeID string) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	if s.checking[nodeID] {
		return
	}
	s.checking[nodeID] = true
	s.checks.Add(1)

	go func() {
		defer s.checks.Done()
		defer func() {
			s.checksMu.Lock()
			delete(s.checking, nodeID)
			s.checksMu.Unlock()
		}()

		err := s.connectivity.CheckConnectivity(ctx, nodeID)
		if ctx.Err() != nil {
			// shutting down; the next leader restarts the check
			return
		}
		if err != nil {
			s.failFrom(nodeID, types.StateConnecting, "Data Node not reachable: "+err.Error())
			return
		}
		if _, err := s.states.Move(nodeID, types.StateConnecting, types.StateConnected, ""); err != nil {
			s.states.Report(nodeID, err)
		}
	}()
}

// CheckingConnectivity reports whether a connectivity check for nodeID runs
func (s *ServerPeriodical) CheckingConnectivity(nodeID string) bool {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	return s.checking[nodeID]
}
