package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cuemby/certwarden/pkg/client"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a preflight configuration file",
	Long: `Apply certwarden resources from a YAML file. A file may hold several
documents separated by "---".

Examples:
  # Create the CA, set the renewal policy and configure two nodes
  certwarden apply -f preflight.yaml

Resource kinds:
  CertificateAuthority  spec: organization (created only when no CA exists)
  RenewalPolicy         spec: mode, certificate_lifetime (ISO-8601, e.g. P30D)
  DataNode              spec: alt_names (metadata.name is the node ID)
  Preflight             spec: result`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("server", "localhost:8080", "Server API address")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of an apply file
type Resource struct {
	Kind     string           `yaml:"kind"`
	Metadata ResourceMetadata `yaml:"metadata"`
	Spec     yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	server, _ := cmd.Flags().GetString("server")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	resources, err := decodeResources(f)
	if err != nil {
		return err
	}

	c := client.NewClient(server)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, r := range resources {
		if err := applyResource(ctx, c, r); err != nil {
			return fmt.Errorf("%s %s: %w", r.Kind, r.Metadata.Name, err)
		}
	}
	return nil
}

func decodeResources(r io.Reader) ([]*Resource, error) {
	var resources []*Resource
	dec := yaml.NewDecoder(r)
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			return resources, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if res.Kind == "" {
			return nil, fmt.Errorf("document %d has no kind", len(resources)+1)
		}
		resources = append(resources, &res)
	}
}

func applyResource(ctx context.Context, c *client.Client, r *Resource) error {
	switch r.Kind {
	case "CertificateAuthority":
		return applyCA(ctx, c, r)
	case "RenewalPolicy":
		return applyRenewalPolicy(ctx, c, r)
	case "DataNode":
		return applyDataNode(ctx, c, r)
	case "Preflight":
		return applyPreflight(ctx, c, r)
	default:
		return fmt.Errorf("unsupported resource kind: %s", r.Kind)
	}
}

func applyCA(ctx context.Context, c *client.Client, r *Resource) error {
	var spec struct {
		Organization string `yaml:"organization"`
	}
	if err := r.Spec.Decode(&spec); err != nil {
		return err
	}

	existing, err := c.CAInfo(ctx)
	if err == nil {
		fmt.Printf("CA already exists: %s (skipping)\n", existing.Subject)
		return nil
	}
	if !client.IsNotFound(err) {
		return err
	}

	info, err := c.CreateCA(ctx, spec.Organization)
	if err != nil {
		return fmt.Errorf("failed to create CA: %w", err)
	}
	fmt.Printf("✓ CA created: %s (fingerprint %s)\n", info.Subject, info.Fingerprint)
	return nil
}

func applyRenewalPolicy(ctx context.Context, c *client.Client, r *Resource) error {
	var spec struct {
		Mode                types.RenewalMode `yaml:"mode"`
		CertificateLifetime types.Duration    `yaml:"certificate_lifetime"`
	}
	if err := r.Spec.Decode(&spec); err != nil {
		return err
	}
	policy := types.RenewalPolicy{
		Mode:                types.RenewalMode(strings.ToUpper(string(spec.Mode))),
		CertificateLifetime: spec.CertificateLifetime,
	}
	if err := c.SetRenewalPolicy(ctx, policy); err != nil {
		return fmt.Errorf("failed to set renewal policy: %w", err)
	}
	fmt.Printf("✓ Renewal policy set: %s, lifetime %s\n", policy.Mode, policy.CertificateLifetime)
	return nil
}

func applyDataNode(ctx context.Context, c *client.Client, r *Resource) error {
	if r.Metadata.Name == "" {
		return fmt.Errorf("metadata.name (the node ID) is required")
	}
	var spec struct {
		AltNames []string `yaml:"alt_names"`
	}
	if err := r.Spec.Decode(&spec); err != nil {
		return err
	}
	cfg, err := c.Configure(ctx, r.Metadata.Name, spec.AltNames)
	if err != nil {
		return fmt.Errorf("failed to configure node: %w", err)
	}
	fmt.Printf("✓ Data node configured: %s (%s)\n", cfg.NodeID, cfg.State)
	return nil
}

func applyPreflight(ctx context.Context, c *client.Client, r *Resource) error {
	var spec struct {
		Result types.PreflightResult `yaml:"result"`
	}
	if err := r.Spec.Decode(&spec); err != nil {
		return err
	}
	if err := c.SetPreflightResult(ctx, spec.Result); err != nil {
		return fmt.Errorf("failed to set preflight result: %w", err)
	}
	fmt.Printf("✓ Preflight result: %s\n", spec.Result)
	return nil
}
