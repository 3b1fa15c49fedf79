package keystore

import (
	"crypto/x509"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// Truststore is a certificate-only store. It is the only view of a CA that
// crosses the CA service boundary.
type Truststore struct {
	certs []*x509.Certificate
}

// NewTruststore builds a truststore from certificates
func NewTruststore(certs ...*x509.Certificate) *Truststore {
	return &Truststore{certs: append([]*x509.Certificate(nil), certs...)}
}

// Certificates returns a copy of the trusted certificates
func (t *Truststore) Certificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), t.certs...)
}

// CertPool returns the trusted certificates as an x509.CertPool
func (t *Truststore) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range t.certs {
		pool.AddCert(c)
	}
	return pool
}

// Encode serializes the truststore to PKCS#12. The first certificate is stored
// under the alias "ca", further ones as "ca-1", "ca-2", ...
func (t *Truststore) Encode(password []byte) ([]byte, error) {
	if len(t.certs) == 0 {
		return nil, errors.New("empty truststore")
	}
	entries := make([]pkcs12.TrustStoreEntry, len(t.certs))
	for i, c := range t.certs {
		name := AliasCA
		if i > 0 {
			name = fmt.Sprintf("%s-%d", AliasCA, i)
		}
		entries[i] = pkcs12.TrustStoreEntry{Cert: c, FriendlyName: name}
	}
	data, err := pkcs12.Modern.EncodeTrustStoreEntries(entries, string(password))
	if err != nil {
		return nil, fmt.Errorf("failed to encode truststore: %w", err)
	}
	return data, nil
}

// DecodeTruststore parses a PKCS#12 truststore
func DecodeTruststore(data, password []byte) (*Truststore, error) {
	certs, err := pkcs12.DecodeTrustStore(data, string(password))
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("failed to decode truststore: %w", err)
	}
	return NewTruststore(certs...), nil
}
