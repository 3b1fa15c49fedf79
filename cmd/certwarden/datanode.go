package main

import (
	"context"
	"fmt"

	"github.com/cuemby/certwarden/pkg/api"
	"github.com/cuemby/certwarden/pkg/config"
	"github.com/spf13/cobra"
)

var datanodeCmd = &cobra.Command{
	Use:   "datanode",
	Short: "Run a data node",
	Long: `Run a data node. The node joins the cluster as a non-voting raft
member with a datanode join token, creates its private key and requests
a certificate once an operator configured it.

Examples:
  # Join the cluster through a server
  certwarden datanode --node-id node-1 --join 10.0.0.1:8080 --join-token TOKEN`,
	RunE: runDataNode,
}

func init() {
	config.AddFlags(datanodeCmd.Flags())
	datanodeCmd.Flags().String("hostname", "", "Host name the node certificate is issued for (defaults to the node ID)")
	datanodeCmd.Flags().StringSlice("alt-names", nil, "Additional subject alternative names")
	datanodeCmd.Flags().String("https-addr", config.DefaultHTTPSAddr, "Address of the TLS health listener")
}

func runDataNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	cfg.DataNode.Enabled = true
	flags := cmd.Flags()
	if flags.Changed("hostname") {
		cfg.DataNode.Hostname, _ = flags.GetString("hostname")
	}
	if flags.Changed("alt-names") {
		cfg.DataNode.AltNames, _ = flags.GetStringSlice("alt-names")
	}
	if flags.Changed("https-addr") {
		cfg.DataNode.HTTPSAddr, _ = flags.GetString("https-addr")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	n, err := newNode(cfg, false)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.serveAPI(api.Config{})

	if err := n.joinCluster(ctx, false); err != nil {
		n.shutdown()
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	n.startEvents(ctx)
	n.startAgent(ctx)

	n.logger.Info().Msg("Data node is running")
	waitErr := n.wait()

	cancel()
	if err := n.shutdown(); err != nil {
		return err
	}
	return waitErr
}
