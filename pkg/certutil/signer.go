package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/certwarden/pkg/types"
)

// Validity selects the lifetime of a signed certificate: an explicit day
// count or the cluster renewal policy.
type Validity struct {
	Days   int
	Policy *types.RenewalPolicy
}

// ValidityDays returns a Validity of n days
func ValidityDays(n int) Validity {
	return Validity{Days: n}
}

// ValidityFromPolicy returns a Validity following the renewal policy lifetime
func ValidityFromPolicy(p types.RenewalPolicy) Validity {
	return Validity{Policy: &p}
}

// Duration resolves the validity to a positive duration
func (v Validity) Duration() (time.Duration, error) {
	var d time.Duration
	switch {
	case v.Policy != nil:
		d = v.Policy.CertificateLifetime.Std()
	case v.Days > 0:
		d = time.Duration(v.Days) * 24 * time.Hour
	}
	if d <= 0 {
		return 0, errors.New("certificate validity must be positive")
	}
	return d, nil
}

// Signer issues certificates for PKCS#10 requests
type Signer struct {
	Rand io.Reader
	Now  func() time.Time
}

// NewSigner returns a Signer using crypto/rand and the wall clock
func NewSigner() *Signer {
	return &Signer{Rand: rand.Reader, Now: time.Now}
}

func (s *Signer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Sign issues a certificate for csr with issuerCert as parent. The SANs are
// taken from the request.
func (s *Signer) Sign(issuerKey crypto.Signer, issuerCert *x509.Certificate, csr *x509.CertificateRequest, validity Validity) (*x509.Certificate, error) {
	if csr == nil {
		return nil, signingErr("validate CSR", errors.New("no CSR given"))
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, signingErr("validate CSR", fmt.Errorf("invalid CSR signature: %w", err))
	}
	switch csr.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return nil, signingErr("validate CSR", fmt.Errorf("unsupported public key type %T", csr.PublicKey))
	}

	if issuerKey == nil || issuerCert == nil {
		return nil, signingErr("validate issuer", errors.New("issuer key and certificate are required"))
	}
	if !issuerCert.IsCA {
		return nil, signingErr("validate issuer", fmt.Errorf("issuer %s is not a CA", issuerCert.Subject))
	}
	if !publicKeysEqual(issuerKey.Public(), issuerCert.PublicKey) {
		return nil, signingErr("validate issuer", errors.New("issuer private key does not match issuer certificate"))
	}

	lifetime, err := validity.Duration()
	if err != nil {
		return nil, signingErr("compute validity", err)
	}

	r := s.Rand
	if r == nil {
		r = rand.Reader
	}
	serial, err := NewSerialNumber(r)
	if err != nil {
		return nil, signingErr("serial number", err)
	}

	now := s.now()
	notAfter := now.Add(lifetime)
	if notAfter.After(issuerCert.NotAfter) {
		notAfter = issuerCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now.Add(-backdate),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
	}

	der, err := x509.CreateCertificate(r, template, issuerCert, csr.PublicKey, issuerKey)
	if err != nil {
		return nil, signingErr("create certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, signingErr("parse certificate", err)
	}
	return cert, nil
}

// SignChain signs csr and returns the issued certificate chained to issuerCert
func (s *Signer) SignChain(issuerKey crypto.Signer, issuerCert *x509.Certificate, csr *x509.CertificateRequest, validity Validity) (*CertificateChain, error) {
	cert, err := s.Sign(issuerKey, issuerCert, csr, validity)
	if err != nil {
		return nil, err
	}
	return &CertificateChain{Leaf: cert, CACerts: []*x509.Certificate{issuerCert}}, nil
}
