package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/certwarden/pkg/api"
	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/config"
	"github.com/cuemby/certwarden/pkg/events"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/manager"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/cuemby/certwarden/pkg/notifications"
	"github.com/cuemby/certwarden/pkg/provisioning"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/rs/zerolog"
)

// clusterTimeout bounds bootstrapping or joining the raft cluster
const clusterTimeout = 2 * time.Minute

// node is the runtime shared by servers and data nodes: the replicated
// store, the event plumbing and the HTTP API.
type node struct {
	cfg           *config.Config
	mgr           *manager.Manager
	keystores     *keystore.Storage
	signer        *security.RequestSigner
	notifications *notifications.Service
	broker        *events.Broker
	bus           *events.Bus
	collector     *metrics.Collector
	api           *api.Server
	logger        zerolog.Logger

	errCh chan error
}

func newNode(cfg *config.Config, voter bool) (*node, error) {
	log.Init(cfg.Log.LogConfig())
	logger := log.WithNode("node", cfg.NodeID)

	secrets, err := security.NewSecretsManagerFromPassword(cfg.PasswordSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secrets: %w", err)
	}

	signer := security.NewRequestSigner(secrets)
	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.NodeID,
		RaftAddr: cfg.RaftAddr,
		APIAddr:  cfg.APIAddr,
		DataDir:  cfg.DataDir,
		Voter:    voter,
		Signer:   signer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	if err := mgr.Start(); err != nil {
		mgr.Shutdown()
		return nil, fmt.Errorf("failed to start raft: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	return &node{
		cfg:           cfg,
		mgr:           mgr,
		keystores:     keystore.NewStorage(keystore.FileStorage{}, keystore.NewClusterStorage(mgr, secrets)),
		signer:        signer,
		notifications: notifications.NewService(mgr),
		broker:        broker,
		bus:           events.NewBus(mgr, cfg.NodeID),
		collector:     metrics.NewCollector(mgr),
		logger:        logger,
		errCh:         make(chan error, 1),
	}, nil
}

// serveAPI starts the HTTP API in the background
func (n *node) serveAPI(cfg api.Config) {
	cfg.Store = n.mgr
	cfg.Notifications = n.notifications
	cfg.Cluster = n.mgr
	cfg.Signer = n.signer
	cfg.Version = Version
	n.api = api.NewServer(cfg)

	go func() {
		if err := n.api.Start(n.cfg.APIAddr); err != nil {
			n.errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
}

// joinCluster forms a new cluster or joins the one at cfg.Join
func (n *node) joinCluster(ctx context.Context, bootstrap bool) error {
	ctx, cancel := context.WithTimeout(ctx, clusterTimeout)
	defer cancel()

	if n.cfg.Join != "" {
		return n.mgr.Join(ctx, n.cfg.Join, n.cfg.JoinToken)
	}
	if !bootstrap {
		if n.mgr.HasExistingState() {
			return n.mgr.WaitForLeader(ctx)
		}
		return fmt.Errorf("a data node needs --join and --join-token")
	}
	return n.mgr.Bootstrap(ctx)
}

// startEvents relays the replicated outbox into the local broker and samples
// the cluster gauges
func (n *node) startEvents(ctx context.Context) {
	go events.NewRelay(n.mgr, n.broker).Run(ctx)
	go n.collector.Run(ctx)
}

// startAgent runs the provisioning agent of the local data node
func (n *node) startAgent(ctx context.Context) {
	dn := n.cfg.DataNode
	agent := provisioning.NewNodeAgent(provisioning.AgentConfig{
		NodeID:    n.cfg.NodeID,
		Hostname:  dn.Hostname,
		AltNames:  dn.AltNames,
		HTTPSAddr: dn.HTTPSAddr,
		Store:     n.mgr,
		Keystores: n.keystores,
		Password:  []byte(n.cfg.PasswordSecret),
		Generator: certutil.NewGenerator(),
		Publisher: n.bus,
		Broker:    n.broker,
		Interval:  n.cfg.ProvisioningInterval,
	})
	go agent.Run(ctx)
	n.logger.Info().Str("https_addr", dn.HTTPSAddr).Msg("Data node agent started")
}

// wait blocks until a signal arrives or the API server fails
func (n *node) wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		n.logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		return nil
	case err := <-n.errCh:
		return err
	}
}

func (n *node) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n.broker.Stop()
	if n.api != nil {
		if err := n.api.Stop(ctx); err != nil {
			n.logger.Warn().Err(err).Msg("API shutdown failed")
		}
	}
	if err := n.mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	n.logger.Info().Msg("Shutdown complete")
	return nil
}
