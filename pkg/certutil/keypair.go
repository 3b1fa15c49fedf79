package certutil

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// KeyPair is a private key with its public key and certificate.
// It is never serialized outside an encrypted keystore.
type KeyPair struct {
	PrivateKey  crypto.Signer
	PublicKey   crypto.PublicKey
	Certificate *x509.Certificate
}

// NewKeyPair builds a KeyPair, deriving the public key from the private key
func NewKeyPair(key crypto.Signer, cert *x509.Certificate) *KeyPair {
	return &KeyPair{PrivateKey: key, PublicKey: key.Public(), Certificate: cert}
}

// CertificateChain is a leaf certificate followed by its issuing CA certificates
type CertificateChain struct {
	Leaf    *x509.Certificate
	CACerts []*x509.Certificate
}

// Certificates returns the chain as a slice, leaf first
func (c *CertificateChain) Certificates() []*x509.Certificate {
	out := make([]*x509.Certificate, 0, 1+len(c.CACerts))
	out = append(out, c.Leaf)
	return append(out, c.CACerts...)
}

// Root returns the last certificate of the chain
func (c *CertificateChain) Root() *x509.Certificate {
	if len(c.CACerts) == 0 {
		return c.Leaf
	}
	return c.CACerts[len(c.CACerts)-1]
}

// TerminatesAt reports whether the chain ends at ca
func (c *CertificateChain) TerminatesAt(ca *x509.Certificate) bool {
	root := c.Root()
	return root != nil && ca != nil && root.Equal(ca)
}

// Verify checks every link of the chain and that it is valid at now
func (c *CertificateChain) Verify(now time.Time) error {
	if c.Leaf == nil {
		return errors.New("chain has no leaf certificate")
	}
	certs := c.Certificates()
	for i := 0; i < len(certs)-1; i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return fmt.Errorf("certificate %d not signed by certificate %d: %w", i, i+1, err)
		}
	}
	for i, cert := range certs {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("certificate %d (%s) not valid at %s", i, cert.Subject, now.Format(time.RFC3339))
		}
	}
	return nil
}

// PEM encodes the chain as one PEM block per certificate
func (c *CertificateChain) PEM() []string {
	certs := c.Certificates()
	out := make([]string, len(certs))
	for i, cert := range certs {
		out[i] = string(EncodeCertificatePEM(cert))
	}
	return out
}

// ParseCertificateChain reverses CertificateChain.PEM
func ParseCertificateChain(blocks []string) (*CertificateChain, error) {
	if len(blocks) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	certs := make([]*x509.Certificate, 0, len(blocks))
	for i, block := range blocks {
		cert, err := ParseCertificatePEM([]byte(block))
		if err != nil {
			return nil, fmt.Errorf("chain entry %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return &CertificateChain{Leaf: certs[0], CACerts: certs[1:]}, nil
}

// publicKeysEqual compares two public keys of any supported type
func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
