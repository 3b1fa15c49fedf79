package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "certutil",
	Short: "Create CA, node and HTTP certificates offline",
	Long: `certutil creates the key material of a cluster without a running
server: a self-signed CA, certificate signing requests, signed node
certificates, HTTP certificates and truststores.

Keystores are PKCS#12 files. Passwords are prompted on the terminal; when
stdin is not a terminal they are read one per line from stdin.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(csrCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(truststoreCmd)
}

func main() {
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.SafeExit(1)
	}
}

// files reads and writes keystores on the local file system
var files = keystore.NewStorage(keystore.FileStorage{}, nil)

// prompter asks for passwords on the terminal or reads them from piped stdin
type prompter struct {
	in  *os.File
	out io.Writer

	lines *bufio.Scanner
}

var prompt = &prompter{in: os.Stdin, out: os.Stderr}

// password asks for a password. Empty passwords are rejected.
func (p *prompter) password(label string) ([]byte, error) {
	fmt.Fprintf(p.out, "%s: ", label)

	var pw []byte
	if term.IsTerminal(int(p.in.Fd())) {
		var err error
		pw, err = term.ReadPassword(int(p.in.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
	} else {
		if p.lines == nil {
			p.lines = bufio.NewScanner(p.in)
		}
		if !p.lines.Scan() {
			if err := p.lines.Err(); err != nil {
				return nil, fmt.Errorf("failed to read password: %w", err)
			}
			return nil, errors.New("failed to read password: unexpected end of input")
		}
		pw = append([]byte(nil), p.lines.Bytes()...)
		fmt.Fprintln(p.out)
	}

	if len(pw) == 0 {
		return nil, fmt.Errorf("%s must not be empty", label)
	}
	return pw, nil
}

// newPassword asks twice for a password protecting a file being created
func (p *prompter) newPassword(label string) ([]byte, error) {
	pw, err := p.password(label)
	if err != nil {
		return nil, err
	}
	again, err := p.password("Repeat " + label)
	if err != nil {
		return nil, err
	}
	if string(pw) != string(again) {
		return nil, errors.New("passwords do not match")
	}
	return pw, nil
}

// readCA opens the CA keystore at path
func readCA(path string) (*keystore.KeyStore, error) {
	pw, err := prompt.password("CA keystore password")
	if err != nil {
		return nil, err
	}
	ca, err := files.ReadKeyStore(keystore.FileLocation{Path: path}, pw, keystore.AliasCA)
	if err != nil {
		return nil, fmt.Errorf("failed to open CA keystore %s: %w", path, err)
	}
	return ca, nil
}
