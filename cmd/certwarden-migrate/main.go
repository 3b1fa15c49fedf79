package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/config"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "certwarden-migrate",
	Short: "Migrate legacy data node keystores",
	Long: `Migrate legacy single-document data node keystores into the per-node
keystore collection.

The tool works on the local state of a stopped standalone node. Running
nodes migrate their own keystore when their agent starts, and that is the
only safe way inside a running cluster.

A signed legacy keystore is moved as-is. An unreadable or unsigned one is
replaced by a fresh key, and the node requests a new certificate.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().String("data-dir", config.DefaultDataDir, "certwarden data directory")
	rootCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	rootCmd.Flags().String("backup", "", "Path to back up the database to before migrating (default: <db>.backup)")
	rootCmd.Flags().String("password-secret", "", "Password secret of the cluster (default: $CERTWARDEN_PASSWORD_SECRET)")
}

func main() {
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.SafeExit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backup, _ := cmd.Flags().GetString("backup")
	secret, _ := cmd.Flags().GetString("password-secret")
	if secret == "" {
		secret = os.Getenv("CERTWARDEN_PASSWORD_SECRET")
	}
	if len(secret) < config.MinPasswordSecretLength {
		return fmt.Errorf("a password secret of at least %d characters is required", config.MinPasswordSecretLength)
	}

	log.Init(log.Config{Level: log.InfoLevel})

	dbPath := filepath.Join(dataDir, storage.DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}

	if !dryRun {
		if backup == "" {
			backup = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backup); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		fmt.Printf("Backup written to %s\n", backup)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	secrets, err := security.NewSecretsManagerFromPassword(secret)
	if err != nil {
		return err
	}
	keystores := keystore.NewStorage(nil, keystore.NewClusterStorage(store, secrets))

	results, err := keystore.NewMigrator(store, keystores, certutil.NewGenerator()).
		DryRun(dryRun).
		MigrateAll([]byte(secret))
	report(os.Stdout, results, dryRun)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func report(w io.Writer, results []*keystore.MigrationResult, dryRun bool) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No legacy keystores found")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Node", "Status", "Reason"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	failed := 0
	for _, res := range results {
		if res.Status == keystore.MigrationFailed {
			failed++
		}
		table.Append([]string{res.NodeID, string(res.Status), res.Reason})
	}
	table.Render()

	switch {
	case dryRun:
		fmt.Fprintln(w, "\nDry run completed. No changes made.")
	case failed > 0:
		fmt.Fprintf(w, "\n%d of %d migrations failed; the backup is unchanged.\n", failed, len(results))
	default:
		fmt.Fprintf(w, "\nMigrated %d node keystore(s).\n", len(results))
	}
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
