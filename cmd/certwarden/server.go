package main

import (
	"context"
	"fmt"

	"github.com/cuemby/certwarden/pkg/api"
	"github.com/cuemby/certwarden/pkg/ca"
	"github.com/cuemby/certwarden/pkg/config"
	"github.com/cuemby/certwarden/pkg/provisioning"
	"github.com/cuemby/certwarden/pkg/reconciler"
	"github.com/cuemby/certwarden/pkg/renewal"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a certwarden server",
	Long: `Run a certwarden server. The first server bootstraps a new cluster;
further servers join it with --join and a server join token.

Only the raft leader signs certificates, checks renewals and repairs
provisioning records. Every server answers the API and forwards writes
to the leader.`,
	RunE: runServer,
}

func init() {
	config.AddFlags(serverCmd.Flags())
	serverCmd.Flags().Bool("datanode", false, "Also run the data node agent in this process")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	if embedded, _ := cmd.Flags().GetBool("datanode"); embedded {
		cfg.DataNode.Enabled = true
	}

	n, err := newNode(cfg, true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caCfg := ca.Config{Password: []byte(cfg.PasswordSecret)}
	if cfg.CAKeystoreFile != "" {
		caCfg = ca.Config{KeystoreFile: cfg.CAKeystoreFile, Password: []byte(cfg.CAPassword)}
	}
	caService := ca.NewService(n.mgr, n.keystores, caCfg, n.bus)
	admin := provisioning.NewAdmin(n.mgr, caService, n.notifications, n.bus)

	n.serveAPI(api.Config{CA: caService, Provisioning: admin})

	if err := n.joinCluster(ctx, true); err != nil {
		n.shutdown()
		return fmt.Errorf("failed to join cluster: %w", err)
	}
	n.logger.Info().
		Str("raft_addr", cfg.RaftAddr).
		Str("api_addr", cfg.APIAddr).
		Bool("leader", n.mgr.IsLeader()).
		Msg("Server is part of the cluster")

	if cfg.RenewalPolicy != nil {
		seedRenewalPolicy(n, cfg.RenewalPolicy.Policy())
	}

	n.startEvents(ctx)

	server := provisioning.NewServerPeriodical(provisioning.ServerConfig{
		Store:         n.mgr,
		CA:            caService,
		Notifications: n.notifications,
		Publisher:     n.bus,
		Leadership:    n.mgr,
		Connectivity:  provisioning.NewHTTPSConnectivity(n.mgr, caService),
		Broker:        n.broker,
		Interval:      cfg.ProvisioningInterval,
	})
	go server.Run(ctx)

	renewals := renewal.NewService(renewal.Config{
		Store:         n.mgr,
		Keystores:     n.keystores,
		Password:      []byte(cfg.PasswordSecret),
		Notifications: n.notifications,
		Publisher:     n.bus,
		Leadership:    n.mgr,
		Interval:      cfg.RenewalInterval,
	})
	go renewals.Run(ctx)

	recon := reconciler.NewReconciler(n.mgr, caService, n.mgr, n.bus, cfg.ReconcileInterval)
	recon.Start()

	if cfg.DataNode.Enabled {
		n.startAgent(ctx)
	}

	n.logger.Info().Msg("Server is running")
	waitErr := n.wait()

	cancel()
	recon.Stop()
	if err := n.shutdown(); err != nil {
		return err
	}
	return waitErr
}

// seedRenewalPolicy stores the configured policy unless one exists
func seedRenewalPolicy(n *node, policy types.RenewalPolicy) {
	_, err := storage.GetRenewalPolicy(n.mgr)
	switch {
	case err == nil:
		return
	case !storage.IsNotFound(err):
		n.logger.Warn().Err(err).Msg("Failed to read renewal policy")
		return
	}
	if err := storage.PutRenewalPolicy(n.mgr, policy); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to store configured renewal policy")
		return
	}
	n.logger.Info().Str("mode", string(policy.Mode)).Str("lifetime", policy.CertificateLifetime.String()).Msg("Renewal policy initialized from configuration")
}
