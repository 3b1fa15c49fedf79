package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/keystore"
)

func pipedPrompter(t *testing.T, input string) *prompter {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	if _, err := w.WriteString(input); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()
	return &prompter{in: r, out: &bytes.Buffer{}}
}

func TestPromptReadsLinesFromPipe(t *testing.T) {
	p := pipedPrompter(t, "first\nsecond\n")

	pw, err := p.password("Password")
	if err != nil || string(pw) != "first" {
		t.Fatalf("password() = %q, %v", pw, err)
	}
	pw, err = p.password("Password")
	if err != nil || string(pw) != "second" {
		t.Fatalf("password() = %q, %v", pw, err)
	}
	if _, err := p.password("Password"); err == nil {
		t.Fatal("expected error at end of input")
	}
}

func TestNewPassword(t *testing.T) {
	if pw, err := pipedPrompter(t, "changeit\nchangeit\n").newPassword("Password"); err != nil || string(pw) != "changeit" {
		t.Fatalf("newPassword() = %q, %v", pw, err)
	}
	if _, err := pipedPrompter(t, "changeit\nchangeme\n").newPassword("Password"); err == nil {
		t.Fatal("expected mismatch error")
	}
	if _, err := pipedPrompter(t, "\n").newPassword("Password"); err == nil {
		t.Fatal("expected empty password error")
	}
}

func runCertutil(t *testing.T, input string, args ...string) error {
	t.Helper()
	saved := prompt
	prompt = pipedPrompter(t, input)
	defer func() { prompt = saved }()

	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestCommandsIssueNodeCertificate(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.p12")
	keyPath := filepath.Join(dir, "node.p12")
	csrPath := filepath.Join(dir, "node.csr")
	crtPath := filepath.Join(dir, "node.crt")
	trustPath := filepath.Join(dir, "truststore.p12")

	if err := runCertutil(t, "capass\ncapass\n", "ca", "--organization", "Test CA", "--out", caPath); err != nil {
		t.Fatalf("ca: %v", err)
	}
	if err := runCertutil(t, "nodepass\n", "csr", "--keystore", keyPath, "--cn", "node-1",
		"--san", "node-1.example.com", "--out", csrPath); err != nil {
		t.Fatalf("csr: %v", err)
	}
	if err := runCertutil(t, "capass\n", "sign", "--ca", caPath, "--csr", csrPath, "--days", "10", "--out", crtPath); err != nil {
		t.Fatalf("sign: %v", err)
	}

	data, err := os.ReadFile(crtPath)
	if err != nil {
		t.Fatalf("read chain: %v", err)
	}
	chain, err := certutil.ParseCertificatesPEM(data)
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain has %d certificates, want 2", len(chain))
	}
	if chain[0].Subject.CommonName != "node-1" {
		t.Errorf("leaf CN = %q", chain[0].Subject.CommonName)
	}
	if err := chain[0].CheckSignatureFrom(chain[1]); err != nil {
		t.Errorf("leaf not signed by CA: %v", err)
	}

	if err := runCertutil(t, "capass\ntrustpass\ntrustpass\n", "truststore", "--ca", caPath, "--out", trustPath); err != nil {
		t.Fatalf("truststore: %v", err)
	}
	data, err = os.ReadFile(trustPath)
	if err != nil {
		t.Fatalf("read truststore: %v", err)
	}
	ts, err := keystore.DecodeTruststore(data, []byte("trustpass"))
	if err != nil {
		t.Fatalf("decode truststore: %v", err)
	}
	if n := len(ts.Certificates()); n != 1 {
		t.Errorf("truststore has %d certificates, want 1", n)
	}

	err = runCertutil(t, "wrong\n", "sign", "--ca", caPath, "--csr", csrPath, "--days", "10", "--out", crtPath)
	if err == nil || !strings.Contains(err.Error(), "failed to open CA keystore") {
		t.Errorf("sign with wrong password: %v", err)
	}
}
