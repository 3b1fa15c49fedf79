package certutil

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
)

// PrivateKeyStorage gives scoped access to a stored private key. The key
// handed to fn must not be retained once fn returns.
type PrivateKeyStorage interface {
	// WithPrivateKey loads the stored key, creating and persisting one with
	// newKey when nothing is stored yet.
	WithPrivateKey(password []byte, newKey func() (crypto.Signer, error), fn func(key crypto.Signer) error) error
}

// CSRGenerator builds PKCS#10 requests from stored private keys
type CSRGenerator struct {
	Generator *Generator
}

// NewCSRGenerator returns a CSRGenerator that creates RSA keys on demand
func NewCSRGenerator(g *Generator) *CSRGenerator {
	if g == nil {
		g = NewGenerator()
	}
	return &CSRGenerator{Generator: g}
}

// GenerateCSR loads or creates the private key held by storage and returns a
// request for commonName carrying altNames as subject alternative names.
func (c *CSRGenerator) GenerateCSR(password []byte, commonName string, altNames []string, storage PrivateKeyStorage) (*x509.CertificateRequest, error) {
	if storage == nil {
		return nil, generationErr("create CSR", errors.New("no private key storage"))
	}

	var csr *x509.CertificateRequest
	err := storage.WithPrivateKey(password, c.Generator.GenerateKey, func(key crypto.Signer) error {
		var err error
		csr, err = CreateCSR(c.Generator.random(), key, commonName, altNames)
		return err
	})
	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			return nil, err
		}
		return nil, generationErr("load private key", err)
	}
	return csr, nil
}

// CreateCSR signs a PKCS#10 request for commonName with key
func CreateCSR(r io.Reader, key crypto.Signer, commonName string, altNames []string) (*x509.CertificateRequest, error) {
	if commonName == "" {
		return nil, generationErr("create CSR", errors.New("common name is required"))
	}
	if r == nil {
		r = rand.Reader
	}
	names := SelfSigned(commonName).WithSubjectAltNames(altNames...).SubjectAltNames()
	dnsNames, ips := SplitAltNames(names)

	template := &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: commonName},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}
	der, err := x509.CreateCertificateRequest(r, template, key)
	if err != nil {
		return nil, generationErr("create CSR", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, generationErr("parse CSR", err)
	}
	return csr, nil
}
