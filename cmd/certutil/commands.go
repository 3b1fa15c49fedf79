package main

import (
	"crypto"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/spf13/cobra"
)

// aliasHTTP is the entry name of HTTP certificate keystores
const aliasHTTP = "http"

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Create a self-signed CA keystore",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("organization")
		out, _ := cmd.Flags().GetString("out")

		kp, err := certutil.NewGenerator().Generate(
			certutil.SelfSigned(org).WithOrganization(org).IsCA(true).Validity(certutil.DefaultCAValidity),
		)
		if err != nil {
			return err
		}
		ks, err := keystore.FromKeyPair(keystore.AliasCA, kp)
		if err != nil {
			return err
		}

		pw, err := prompt.newPassword("CA keystore password")
		if err != nil {
			return err
		}
		if err := files.WriteKeyStore(keystore.FileLocation{Path: out}, ks, pw); err != nil {
			return err
		}

		fmt.Printf("Created CA %q in %s, valid until %s\n",
			kp.Certificate.Subject.String(), out, kp.Certificate.NotAfter.Format(time.DateOnly))
		return nil
	},
}

var csrCmd = &cobra.Command{
	Use:   "csr",
	Short: "Create a certificate signing request for a node key",
	Long: `Create a certificate signing request. The private key is kept in the
keystore given by --keystore; an existing key is reused, otherwise a new
one is generated and stored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("keystore")
		cn, _ := cmd.Flags().GetString("cn")
		sans, _ := cmd.Flags().GetStringSlice("san")
		out, _ := cmd.Flags().GetString("out")

		if err := types.ValidateAltNames(sans); err != nil {
			return fmt.Errorf("invalid --san: %w", err)
		}
		pw, err := prompt.password("Node keystore password")
		if err != nil {
			return err
		}

		g := certutil.NewGenerator()
		keys := keystore.NewNodeKeyStorage(files, keystore.FileLocation{Path: path}, cn, g)
		csr, err := certutil.NewCSRGenerator(g).GenerateCSR(pw, cn, sans, keys)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, certutil.EncodeCSRPEM(csr), 0644); err != nil {
			return fmt.Errorf("failed to write CSR: %w", err)
		}

		fmt.Printf("Wrote certificate signing request for %q to %s\n", cn, out)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a certificate signing request with the CA",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		caPath, _ := cmd.Flags().GetString("ca")
		csrPath, _ := cmd.Flags().GetString("csr")
		days, _ := cmd.Flags().GetInt("days")
		out, _ := cmd.Flags().GetString("out")

		data, err := os.ReadFile(csrPath)
		if err != nil {
			return fmt.Errorf("failed to read CSR: %w", err)
		}
		csr, err := certutil.ParseCSRPEM(data)
		if err != nil {
			return err
		}
		ca, err := readCA(caPath)
		if err != nil {
			return err
		}

		var chain *certutil.CertificateChain
		err = ca.WithPrivateKey(func(key crypto.Signer) error {
			chain, err = certutil.NewSigner().SignChain(key, ca.Certificate(), csr, certutil.ValidityDays(days))
			return err
		})
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, certutil.EncodeCertificatesPEM(chain.Certificates()), 0644); err != nil {
			return fmt.Errorf("failed to write certificate: %w", err)
		}

		fmt.Printf("Signed %q, valid until %s, chain written to %s\n",
			chain.Leaf.Subject.String(), chain.Leaf.NotAfter.Format(time.DateOnly), out)
		return nil
	},
}

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Create an HTTP certificate keystore signed by the CA",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		caPath, _ := cmd.Flags().GetString("ca")
		cn, _ := cmd.Flags().GetString("cn")
		sans, _ := cmd.Flags().GetStringSlice("san")
		days, _ := cmd.Flags().GetInt("days")
		out, _ := cmd.Flags().GetString("out")

		if days <= 0 {
			return fmt.Errorf("--days must be positive")
		}
		if err := types.ValidateAltNames(sans); err != nil {
			return fmt.Errorf("invalid --san: %w", err)
		}
		ca, err := readCA(caPath)
		if err != nil {
			return err
		}

		var kp *certutil.KeyPair
		err = ca.WithPrivateKey(func(key crypto.Signer) error {
			issuer := certutil.NewKeyPair(key, ca.Certificate())
			req := certutil.SignedBy(cn, issuer).
				WithSubjectAltNames(append([]string{cn}, sans...)...).
				Validity(time.Duration(days) * 24 * time.Hour)
			kp, err = certutil.NewGenerator().Generate(req)
			return err
		})
		if err != nil {
			return err
		}
		ks, err := keystore.FromKeyPair(aliasHTTP, kp, ca.Chain()...)
		if err != nil {
			return err
		}

		pw, err := prompt.newPassword("HTTP keystore password")
		if err != nil {
			return err
		}
		if err := files.WriteKeyStore(keystore.FileLocation{Path: out}, ks, pw); err != nil {
			return err
		}

		fmt.Printf("Created HTTP certificate for %q in %s, valid until %s\n",
			cn, out, kp.Certificate.NotAfter.Format(time.DateOnly))
		return nil
	},
}

var truststoreCmd = &cobra.Command{
	Use:   "truststore",
	Short: "Export the CA certificates as a PKCS#12 truststore",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		caPath, _ := cmd.Flags().GetString("ca")
		out, _ := cmd.Flags().GetString("out")

		ca, err := readCA(caPath)
		if err != nil {
			return err
		}
		pw, err := prompt.newPassword("Truststore password")
		if err != nil {
			return err
		}
		data, err := ca.Truststore().Encode(pw)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0600); err != nil {
			return fmt.Errorf("failed to write truststore: %w", err)
		}

		fmt.Printf("Wrote truststore with %d certificate(s) to %s\n", len(ca.Truststore().Certificates()), out)
		return nil
	},
}

func init() {
	caCmd.Flags().String("organization", "Graylog CA", "CA subject common name and organization")
	caCmd.Flags().String("out", "datanode-ca.p12", "CA keystore file to create")

	csrCmd.Flags().String("keystore", "datanode-private.p12", "Keystore holding the node private key")
	csrCmd.Flags().String("cn", "", "Certificate common name (required)")
	csrCmd.Flags().StringSlice("san", nil, "Subject alternative names")
	csrCmd.Flags().String("out", "datanode.csr", "CSR file to write")
	_ = csrCmd.MarkFlagRequired("cn")

	signCmd.Flags().String("ca", "datanode-ca.p12", "CA keystore")
	signCmd.Flags().String("csr", "datanode.csr", "CSR file to sign")
	signCmd.Flags().Int("days", 30, "Certificate lifetime in days")
	signCmd.Flags().String("out", "datanode.crt", "PEM chain file to write")

	httpCmd.Flags().String("ca", "datanode-ca.p12", "CA keystore")
	httpCmd.Flags().String("cn", "", "Certificate common name (required)")
	httpCmd.Flags().StringSlice("san", nil, "Additional subject alternative names")
	httpCmd.Flags().Int("days", 365, "Certificate lifetime in days")
	httpCmd.Flags().String("out", "http.p12", "HTTP keystore file to create")
	_ = httpCmd.MarkFlagRequired("cn")

	truststoreCmd.Flags().String("ca", "datanode-ca.p12", "CA keystore")
	truststoreCmd.Flags().String("out", "truststore.p12", "Truststore file to create")
}
