package reconciler

import (
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/events"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/cuemby/certwarden/pkg/provisioning"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the pause between reconciliation passes
	DefaultInterval = 10 * time.Second

	// EventRetention is how long relayed events stay in the outbox
	EventRetention = time.Hour
)

// Rule names, used as the fixes metric label
const (
	RuleSignedWithoutChain = "signed_without_chain"
	RuleCSRWithoutRequest  = "csr_without_request"
	RuleForeignChain       = "foreign_chain"
	RuleEventsPruned       = "events_pruned"
)

// CertificateAuthority returns the active CA certificate
type CertificateAuthority interface {
	Exists() (bool, error)
	Certificate() (*x509.Certificate, error)
}

// Reconciler repairs provisioning records whose state no longer matches
// what they hold. Lost or duplicated events can leave a record like that.
type Reconciler struct {
	store      storage.Store
	ca         CertificateAuthority
	leadership provisioning.Leadership
	states     *provisioning.StateWriter
	interval   time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReconciler creates a new reconciler. interval <= 0 uses DefaultInterval.
func NewReconciler(store storage.Store, ca CertificateAuthority, leadership provisioning.Leadership, publisher events.Publisher, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:      store,
		ca:         ca,
		leadership: leadership,
		states:     provisioning.NewStateWriter(store, publisher),
		interval:   interval,
		now:        time.Now,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for a running pass to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.leadership != nil && !r.leadership.IsLeader() {
				continue
			}
			if err := r.Reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one reconciliation pass. Records that cannot be repaired
// are logged and left for the next pass.
func (r *Reconciler) Reconcile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	configs, err := r.store.ListProvisioning()
	if err != nil {
		return fmt.Errorf("failed to list provisioning records: %w", err)
	}

	caCert, err := r.activeCA()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Skipping chain checks, CA unavailable")
	}

	for _, cfg := range configs {
		r.reconcileRecord(cfg, caCert)
	}

	if err := r.pruneEvents(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to prune cluster events")
	}
	return nil
}

func (r *Reconciler) activeCA() (*x509.Certificate, error) {
	if r.ca == nil {
		return nil, nil
	}
	exists, err := r.ca.Exists()
	if err != nil || !exists {
		return nil, err
	}
	return r.ca.Certificate()
}

func (r *Reconciler) reconcileRecord(cfg *types.ProvisioningConfig, caCert *x509.Certificate) {
	switch {
	case cfg.State == types.StateSigned && len(cfg.CertificateChain) == 0:
		// the chain was lost; request a fresh certificate
		r.fix(cfg, RuleSignedWithoutChain, types.StateConfigured, "")

	case cfg.State == types.StateCSR && cfg.CSR == "":
		r.fix(cfg, RuleCSRWithoutRequest, types.StateError, provisioning.MsgNoCSR)

	case cfg.State.HasCertificate() && caCert != nil && len(cfg.CertificateChain) > 0:
		chain, err := certutil.ParseCertificateChain(cfg.CertificateChain)
		if err == nil && chain.TerminatesAt(caCert) {
			return
		}
		r.fix(cfg, RuleForeignChain, types.StateRenewal, "")
	}
}

func (r *Reconciler) fix(cfg *types.ProvisioningConfig, rule string, to types.ProvisioningState, msg string) {
	_, err := r.states.Move(cfg.NodeID, cfg.State, to, msg)
	if err != nil {
		r.states.Report(cfg.NodeID, err)
		return
	}
	metrics.ReconciliationFixes.WithLabelValues(rule).Inc()
	r.logger.Warn().
		Str("node_id", cfg.NodeID).
		Str("rule", rule).
		Str("from", string(cfg.State)).
		Str("to", string(to)).
		Msg("Repaired provisioning record")
}

func (r *Reconciler) pruneEvents() error {
	n, err := r.store.PruneEvents(r.now().Add(-EventRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.ReconciliationFixes.WithLabelValues(RuleEventsPruned).Add(float64(n))
		r.logger.Debug().Int("events", n).Msg("Pruned cluster events")
	}
	return nil
}
