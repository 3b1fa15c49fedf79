package provisioning

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/events"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultHeartbeatInterval is how often a data node refreshes its registry entry
const DefaultHeartbeatInterval = 10 * time.Second

// ActiveWindow is how long a node counts as active after its last heartbeat:
// three heartbeats, but never less than 30 seconds.
func ActiveWindow(heartbeat time.Duration) time.Duration {
	return max(3*heartbeat, 30*time.Second)
}

// AgentConfig wires a NodeAgent
type AgentConfig struct {
	NodeID   string
	Hostname string

	// AltNames seed the provisioning record on first contact
	AltNames []string

	// HTTPSAddr is the host:port the TLS health listener binds
	HTTPSAddr string

	Store     storage.Store
	Keystores *keystore.Storage

	// Password protects the node keystore
	Password []byte

	Generator *certutil.Generator
	Publisher events.Publisher
	Broker    *events.Broker

	Interval          time.Duration
	HeartbeatInterval time.Duration
}

// NodeAgent drives the data node side of provisioning: it creates the key
// and CSR, installs the signed chain and brings up the TLS listener.
type NodeAgent struct {
	nodeID    string
	hostname  string
	altNames  []string
	store     storage.Store
	keys      *keystore.NodeKeyStorage
	csrs      *certutil.CSRGenerator
	migrator  *keystore.Migrator
	password  *keystore.Password
	states    *StateWriter
	publisher events.Publisher
	broker    *events.Broker
	listener  *HealthListener
	interval  time.Duration
	heartbeat time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewNodeAgent creates the agent for cfg.NodeID
func NewNodeAgent(cfg AgentConfig) *NodeAgent {
	g := cfg.Generator
	if g == nil {
		g = certutil.NewGenerator()
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = cfg.NodeID
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	return &NodeAgent{
		nodeID:    cfg.NodeID,
		hostname:  hostname,
		altNames:  lo.Uniq(append([]string{hostname}, cfg.AltNames...)),
		store:     cfg.Store,
		keys:      keystore.NewNodeKeyStorage(cfg.Keystores, keystore.NodeLocation(cfg.NodeID), hostname, g),
		csrs:      certutil.NewCSRGenerator(g),
		migrator:  keystore.NewMigrator(cfg.Store, cfg.Keystores, g),
		password:  keystore.NewPassword(cfg.Password),
		states:    NewStateWriter(cfg.Store, cfg.Publisher),
		publisher: cfg.Publisher,
		broker:    cfg.Broker,
		listener:  NewHealthListener(cfg.HTTPSAddr, cfg.NodeID),
		interval:  interval,
		heartbeat: heartbeat,
		now:       time.Now,
		logger:    log.WithNode("provisioning-agent", cfg.NodeID),
	}
}

// Listener returns the agent's TLS health listener
func (a *NodeAgent) Listener() *HealthListener {
	return a.listener
}

// Prepare runs the one-time keystore migration, makes sure the node has a
// provisioning record and registers it.
func (a *NodeAgent) Prepare() error {
	err := a.password.Use(func(pw []byte) error {
		_, err := a.migrator.Migrate(a.nodeID, pw)
		return err
	})
	if err != nil {
		// the failure is recorded; a fresh key is created on the next CSR
		a.logger.Warn().Err(err).Msg("Legacy keystore migration failed")
	}

	if err := a.ensureRecord(); err != nil {
		return err
	}
	return a.Heartbeat()
}

func (a *NodeAgent) ensureRecord() error {
	_, err := a.store.GetProvisioning(a.nodeID)
	if err == nil {
		return nil
	}
	if !storage.IsNotFound(err) {
		return fmt.Errorf("failed to read provisioning record: %w", err)
	}

	cfg := types.NewProvisioningConfig(a.nodeID, a.altNames)
	err = a.store.SaveProvisioning(cfg)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create provisioning record: %w", err)
	}
	a.logger.Info().Strs("alt_names", a.altNames).Msg("Provisioning record created")
	return nil
}

// Heartbeat refreshes the node's registry entry
func (a *NodeAgent) Heartbeat() error {
	return a.store.SaveDataNode(&types.DataNode{
		NodeID:           a.nodeID,
		Hostname:         a.hostname,
		TransportAddress: a.transportAddress(),
		LastSeen:         a.now().UTC(),
	})
}

func (a *NodeAgent) transportAddress() string {
	_, port, err := net.SplitHostPort(a.listener.Addr())
	if err != nil {
		return ""
	}
	return "https://" + net.JoinHostPort(a.hostname, port)
}

// Run drives the agent until ctx is done
func (a *NodeAgent) Run(ctx context.Context) {
	if err := a.Prepare(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to prepare provisioning")
	}
	defer a.listener.Stop()

	var sub events.Subscriber
	if a.broker != nil {
		sub = a.broker.Subscribe(events.EventCertificateSigned, events.EventDataNodeLifecycle)
		defer a.broker.Unsubscribe(sub)
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := a.Heartbeat(); err != nil {
				a.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil {
				a.logger.Error().Err(err).Msg("Provisioning tick failed")
			}
		case evt, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			a.handleEvent(ctx, evt)
		}
	}
}

func (a *NodeAgent) handleEvent(ctx context.Context, evt *events.Event) {
	switch p := evt.Payload.(type) {
	case events.CertificateSigned:
		if p.NodeID == a.nodeID {
			a.installChain()
		}
	case events.DataNodeLifecycle:
		if p.Trigger == events.TriggerStart && (p.NodeID == "" || p.NodeID == a.nodeID) {
			a.startup(ctx)
		}
	}
}

// Tick advances the node's record by one step
func (a *NodeAgent) Tick(ctx context.Context) error {
	cfg, err := a.store.GetProvisioning(a.nodeID)
	if storage.IsNotFound(err) {
		return a.ensureRecord()
	}
	if err != nil {
		return fmt.Errorf("failed to read provisioning record: %w", err)
	}

	switch cfg.State {
	case types.StateConfigured, types.StateRenewal:
		a.requestCertificate(cfg)
	case types.StateSigned:
		a.installChain()
	case types.StateStored:
		if _, err := a.states.Move(a.nodeID, types.StateStored, types.StateStartupPrepared, ""); err != nil {
			a.states.Report(a.nodeID, err)
		}
	case types.StateStartupTrigger:
		a.startup(ctx)
	case types.StateStartupRequested, types.StateConnecting, types.StateConnected:
		if !a.listener.Running() {
			if err := a.startListener(); err != nil {
				a.logger.Error().Err(err).Msg("Failed to restart health listener")
			}
		}
	}
	return nil
}

// requestCertificate creates the CSR for the node's key and hands it to the CA
func (a *NodeAgent) requestCertificate(cfg *types.ProvisioningConfig) {
	from := cfg.State
	names := lo.Uniq(append([]string{a.hostname}, cfg.AltNames...))

	var csr *x509.CertificateRequest
	err := a.password.Use(func(pw []byte) error {
		var err error
		csr, err = a.csrs.GenerateCSR(pw, a.hostname, names, a.keys)
		return err
	})
	if err != nil {
		a.fail(from, err.Error())
		return
	}

	pem := string(certutil.EncodeCSRPEM(csr))
	_, err = a.states.Apply(a.nodeID, Change{
		From: []types.ProvisioningState{from},
		To:   types.StateCSR,
		Mutate: func(c *types.ProvisioningConfig) {
			c.CSR = pem
			c.CertificateChain = nil
		},
	})
	if err != nil {
		a.states.Report(a.nodeID, err)
		return
	}
	a.states.publish(events.CertificateSigningRequest{NodeID: a.nodeID, CSR: pem})
	a.logger.Info().Strs("alt_names", names).Msg("Certificate signing request created")
}

// installChain puts the chain stored on a SIGNED record into the keystore.
// Records in any other state are left alone, so replayed events are no-ops.
func (a *NodeAgent) installChain() {
	cfg, err := a.store.GetProvisioning(a.nodeID)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to read provisioning record")
		return
	}
	if cfg.State != types.StateSigned {
		return
	}

	chain, err := certutil.ParseCertificateChain(cfg.CertificateChain)
	if err == nil {
		err = security.VerifyChain(chain.Certificates(), time.Now())
	}
	if err != nil {
		a.fail(types.StateSigned, err.Error())
		return
	}

	var changed bool
	err = a.password.Use(func(pw []byte) error {
		var err error
		changed, err = a.keys.InstallChain(pw, chain.Certificates())
		return err
	})
	if err != nil {
		a.fail(types.StateSigned, err.Error())
		return
	}

	if _, err := a.states.Move(a.nodeID, types.StateSigned, types.StateStored, ""); err != nil {
		a.states.Report(a.nodeID, err)
		return
	}
	a.logger.Info().Bool("changed", changed).Time("not_after", chain.Leaf.NotAfter).Msg("Certificate chain installed")

	if changed && a.listener.Running() {
		if err := a.startListener(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to reload health listener certificate")
		}
	}
}

// startup brings the TLS listener up and asks the server to connect
func (a *NodeAgent) startup(ctx context.Context) {
	cfg, err := a.store.GetProvisioning(a.nodeID)
	if err != nil || cfg.State != types.StateStartupTrigger {
		return
	}

	err = a.startListener()
	if err == nil {
		err = a.listener.SelfCheck(ctx)
	}
	if err != nil {
		a.fail(types.StateStartupTrigger, err.Error())
		return
	}
	if err := a.Heartbeat(); err != nil {
		a.logger.Warn().Err(err).Msg("Heartbeat failed")
	}

	if _, err := a.states.Move(a.nodeID, types.StateStartupTrigger, types.StateStartupRequested, ""); err != nil {
		a.states.Report(a.nodeID, err)
	}
}

func (a *NodeAgent) startListener() error {
	cert, err := a.tlsCertificate()
	if err != nil {
		return err
	}
	return a.listener.Start(cert)
}

func (a *NodeAgent) tlsCertificate() (tls.Certificate, error) {
	var cert tls.Certificate
	err := a.password.Use(func(pw []byte) error {
		ks, err := a.keys.Load(pw)
		if err != nil {
			return err
		}
		if !ks.HasSignedChain() {
			return errors.New("node keystore holds no signed certificate chain")
		}
		return ks.WithPrivateKey(func(key crypto.Signer) error {
			var err error
			cert, err = security.TLSCertificate(key, ks.Chain())
			return err
		})
	})
	return cert, err
}

func (a *NodeAgent) fail(from types.ProvisioningState, msg string) {
	a.logger.Error().Str("state", string(from)).Str("error", msg).Msg("Provisioning step failed")
	if _, err := a.states.Move(a.nodeID, from, types.StateError, msg); err != nil {
		a.states.Report(a.nodeID, err)
	}
}
