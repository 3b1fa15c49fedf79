package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/certwarden/pkg/client"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// apiClient connects to --server. With a password secret from
// --password-secret or $CERTWARDEN_PASSWORD_SECRET, requests are signed
// with the cluster key.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	c := client.NewClient(addr)

	secret, _ := cmd.Flags().GetString("password-secret")
	if secret == "" {
		secret = os.Getenv("CERTWARDEN_PASSWORD_SECRET")
	}
	if secret == "" {
		return c, nil
	}
	secrets, err := security.NewSecretsManagerFromPassword(secret)
	if err != nil {
		return nil, err
	}
	return c.WithSigner(security.NewRequestSigner(secrets), "operator"), nil
}

// CA commands
var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Inspect the cluster CA",
}

var caInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the active CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		info, err := c.CAInfo(cmd.Context())
		if client.IsNotFound(err) {
			fmt.Println("No CA configured")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Type:        %s\n", info.Type)
		fmt.Printf("Subject:     %s\n", info.Subject)
		fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
		fmt.Printf("Valid until: %s\n", info.NotAfter.Format(time.RFC3339))
		return nil
	},
}

var caTruststoreCmd = &cobra.Command{
	Use:   "truststore --password PASSWORD --out FILE",
	Short: "Download the CA truststore",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		out, _ := cmd.Flags().GetString("out")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		data, err := c.Truststore(cmd.Context(), password)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0600); err != nil {
			return err
		}
		fmt.Printf("✓ Truststore written to %s\n", out)
		return nil
	},
}

// Node commands
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage data node provisioning",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List data nodes and their provisioning state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		configs, err := c.ListProvisioning(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(configs))
		for _, c := range configs {
			rows = append(rows, []string{c.NodeID, string(c.State), strings.Join(c.AltNames, ","), c.ErrorMsg})
		}
		printTable([]string{"Node", "State", "Alt names", "Error"}, rows)
		return nil
	},
}

var nodesConfigureCmd = &cobra.Command{
	Use:   "configure NODE_ID",
	Short: "Configure a node for certificate provisioning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		altNames, _ := cmd.Flags().GetStringSlice("alt-names")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		cfg, err := c.Configure(cmd.Context(), args[0], altNames)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s is %s\n", cfg.NodeID, cfg.State)
		return nil
	},
}

var nodesGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Configure every waiting node with its registered alt names",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.GenerateAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("✓ Waiting nodes configured")
		return nil
	},
}

var nodesResetCmd = &cobra.Command{
	Use:   "reset NODE_ID",
	Short: "Retry provisioning of a failed node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		cfg, err := c.Reset(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s is %s\n", cfg.NodeID, cfg.State)
		return nil
	},
}

var startOverCmd = &cobra.Command{
	Use:   "start-over",
	Short: "Remove the CA and renewal policy and unconfigure every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("start-over removes the CA; pass --yes to confirm")
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.StartOver(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("✓ Provisioning started over")
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List operator notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		list, err := c.Notifications(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No notifications")
			return nil
		}
		for _, n := range list {
			fmt.Printf("[%s] %s %s\n", n.Severity, n.Type, formatDetails(n))
		}
		return nil
	},
}

func printTable(header []string, rows [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}

func formatDetails(n *types.Notification) string {
	parts := make([]string, 0, len(n.Details))
	for k, v := range n.Details {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

var joinTokenCmd = &cobra.Command{
	Use:   "join-token [server|datanode]",
	Short: "Generate a join token for servers or data nodes",
	Long: `Generate a join token for servers or data nodes. The request is signed
with the cluster password secret, taken from --password-secret or
$CERTWARDEN_PASSWORD_SECRET.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		token, err := c.GenerateJoinToken(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", token.Token)
		fmt.Fprintf(os.Stderr, "Token for %s role, expires %s\n", token.Role, token.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	caCmd.AddCommand(caInfoCmd)
	caCmd.AddCommand(caTruststoreCmd)
	caTruststoreCmd.Flags().String("password", "", "Truststore password (required)")
	caTruststoreCmd.Flags().String("out", "truststore.p12", "File to write")
	_ = caTruststoreCmd.MarkFlagRequired("password")

	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesConfigureCmd)
	nodesCmd.AddCommand(nodesGenerateCmd)
	nodesCmd.AddCommand(nodesResetCmd)
	nodesConfigureCmd.Flags().StringSlice("alt-names", nil, "Subject alternative names (default: the registered ones)")

	startOverCmd.Flags().Bool("yes", false, "Confirm removing the CA")

	for _, c := range []*cobra.Command{caCmd, nodesCmd, startOverCmd, notificationsCmd, joinTokenCmd} {
		c.PersistentFlags().String("server", "localhost:8080", "Server API address")
		c.PersistentFlags().String("password-secret", "", "Cluster password secret for signed requests (default: $CERTWARDEN_PASSWORD_SECRET)")
		rootCmd.AddCommand(c)
	}
}
