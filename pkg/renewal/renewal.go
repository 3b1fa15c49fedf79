package renewal

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/cuemby/certwarden/pkg/events"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/cuemby/certwarden/pkg/notifications"
	"github.com/cuemby/certwarden/pkg/provisioning"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultInterval is how often node certificates are checked
const DefaultInterval = 30 * time.Minute

// Check results, used as the metric label
const (
	ResultValid   = "valid"
	ResultRenew   = "renew"
	ResultNotify  = "notify"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// NeedsRenewal reports whether cert must be renewed under policy. The
// certificate must still be valid at now plus a tenth of the policy lifetime
// (truncated to whole seconds), and at nextRun, the next scheduled check.
// A certificate that needs renewal at some instant also needs it at every
// later instant.
func NeedsRenewal(policy types.RenewalPolicy, cert *x509.Certificate, now, nextRun time.Time) bool {
	threshold := now.Add(policy.CertificateLifetime.Std() / 10).Truncate(time.Second)
	return expiredAt(cert, threshold) || expiredAt(cert, nextRun)
}

func expiredAt(cert *x509.Certificate, t time.Time) bool {
	return t.After(cert.NotAfter)
}

// Config wires a Service
type Config struct {
	Store         storage.Store
	Keystores     *keystore.Storage
	Password      []byte
	Notifications *notifications.Service
	Publisher     events.Publisher
	Leadership    provisioning.Leadership

	Interval          time.Duration
	HeartbeatInterval time.Duration
}

// Summary counts the outcomes of one CheckAllDataNodes pass
type Summary struct {
	Checked  int
	Renewing []string
	Notified []string
}

// Service watches the certificates of active data nodes and starts their
// renewal before they expire.
type Service struct {
	store         storage.Store
	keystores     *keystore.Storage
	password      *keystore.Password
	notifications *notifications.Service
	states        *provisioning.StateWriter
	leadership    provisioning.Leadership
	interval      time.Duration
	window        time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewService creates the renewal service
func NewService(cfg Config) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = provisioning.DefaultHeartbeatInterval
	}
	return &Service{
		store:         cfg.Store,
		keystores:     cfg.Keystores,
		password:      keystore.NewPassword(cfg.Password),
		notifications: cfg.Notifications,
		states:        provisioning.NewStateWriter(cfg.Store, cfg.Publisher),
		leadership:    cfg.Leadership,
		interval:      interval,
		window:        provisioning.ActiveWindow(heartbeat),
		now:           time.Now,
		logger:        log.WithComponent("renewal"),
	}
}

// Run checks all nodes every interval while this process is the leader
func (s *Service) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Certificate renewal checks started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.leadership != nil && !s.leadership.IsLeader() {
				continue
			}
			if _, err := s.CheckAllDataNodes(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Certificate renewal check failed")
			}
		}
	}
}

// CheckAllDataNodes tests the certificate of every active data node. With an
// AUTOMATIC policy nodes that need a new certificate move to RENEWAL; with a
// MANUAL policy the operator is notified instead.
func (s *Service) CheckAllDataNodes(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	policy, err := storage.GetRenewalPolicy(s.store)
	if storage.IsNotFound(err) {
		s.logger.Debug().Msg("No renewal policy configured, skipping renewal check")
		return summary, nil
	}
	if err != nil {
		return nil, err
	}

	nodes, err := s.store.ListDataNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list data nodes: %w", err)
	}

	now := s.now()
	nextRun := now.Add(s.interval)
	active := lo.Filter(nodes, func(n *types.DataNode, _ int) bool {
		return n.IsActive(now, s.window)
	})

	for _, node := range active {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		result := s.checkNode(node.NodeID, *policy, now, nextRun)
		metrics.RenewalChecks.WithLabelValues(result).Inc()

		switch result {
		case ResultRenew:
			summary.Renewing = append(summary.Renewing, node.NodeID)
		case ResultNotify:
			summary.Notified = append(summary.Notified, node.NodeID)
		}
		if result != ResultSkipped {
			summary.Checked++
		}
	}

	s.logger.Debug().
		Int("active", len(active)).
		Int("renewing", len(summary.Renewing)).
		Int("notified", len(summary.Notified)).
		Msg("Certificate renewal check finished")
	return summary, nil
}

func (s *Service) checkNode(nodeID string, policy types.RenewalPolicy, now, nextRun time.Time) string {
	logger := s.logger.With().Str("node_id", nodeID).Logger()

	cfg, err := s.store.GetProvisioning(nodeID)
	if err != nil {
		if !storage.IsNotFound(err) {
			logger.Error().Err(err).Msg("Failed to read provisioning record")
			return ResultError
		}
		return ResultSkipped
	}
	if !cfg.State.HasCertificate() {
		// still provisioning or already renewing
		return ResultSkipped
	}

	cert, err := s.leafCertificate(nodeID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load node certificate")
		return ResultError
	}
	if cert == nil {
		return ResultSkipped
	}

	if !NeedsRenewal(policy, cert, now, nextRun) {
		// a notice raised under an earlier policy or certificate is stale now
		if err := s.notifications.Fixed(types.NotificationCertificateNeedsRenewal, nodeID); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear renewal notification")
		}
		return ResultValid
	}

	if policy.Mode == types.RenewalModeAutomatic {
		_, err := s.states.Apply(nodeID, provisioning.Change{
			From: []types.ProvisioningState{cfg.State},
			To:   types.StateRenewal,
		})
		if err != nil {
			s.states.Report(nodeID, err)
			return ResultError
		}
		logger.Info().Time("not_after", cert.NotAfter).Msg("Node certificate renewal started")
		return ResultRenew
	}

	if _, err := s.notifications.PublishIfFirst(notifications.CertificateNeedsRenewal(nodeID, cert.NotAfter)); err != nil {
		logger.Warn().Err(err).Msg("Failed to raise renewal notification")
		return ResultError
	}
	return ResultNotify
}

// leafCertificate returns the node's installed certificate, or nil when the
// node holds no signed chain yet.
func (s *Service) leafCertificate(nodeID string) (*x509.Certificate, error) {
	var cert *x509.Certificate
	err := s.password.Use(func(pw []byte) error {
		ks, err := s.keystores.ReadKeyStore(keystore.NodeLocation(nodeID), pw, keystore.AliasDataNode)
		if keystore.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if ks.HasSignedChain() {
			cert = ks.Certificate()
		}
		return nil
	})
	return cert, err
}
