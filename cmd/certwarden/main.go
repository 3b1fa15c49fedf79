package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.SafeExit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "certwarden",
	Short: "certwarden - cluster CA and data node certificate lifecycle",
	Long: `certwarden runs a replicated certificate authority for a cluster of
data nodes. Servers hold the CA and sign node certificates; data nodes
create their keys, request certificates and renew them before expiry.

Cluster state is replicated with Raft, so any server can take over as
leader.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"certwarden version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(datanodeCmd)
}
