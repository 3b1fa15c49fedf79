package certutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"
)

const (
	// DefaultKeySize is the RSA modulus length for generated keys
	DefaultKeySize = 2048

	// DefaultCAValidity is the lifetime of a generated root CA: 10 years
	DefaultCAValidity = 10 * 365 * 24 * time.Hour

	// clock skew allowance applied to NotBefore
	backdate = time.Minute
)

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// Generator creates key pairs and X.509 certificates
type Generator struct {
	KeySize int
	Rand    io.Reader
	Now     func() time.Time
}

// NewGenerator returns a Generator with RSA-2048 keys and crypto/rand
func NewGenerator() *Generator {
	return &Generator{KeySize: DefaultKeySize, Rand: rand.Reader, Now: time.Now}
}

func (g *Generator) random() io.Reader {
	if g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// GenerateKey creates a new RSA private key
func (g *Generator) GenerateKey() (crypto.Signer, error) {
	size := g.KeySize
	if size == 0 {
		size = DefaultKeySize
	}
	key, err := rsa.GenerateKey(g.random(), size)
	if err != nil {
		return nil, generationErr("generate key", err)
	}
	return key, nil
}

// NewSerialNumber returns a random 128-bit serial number
func NewSerialNumber(r io.Reader) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	serial, err := rand.Int(r, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func validateRequest(req *CertRequest) error {
	if req == nil || req.commonName == "" {
		return generationErr("validate request", errors.New("common name is required"))
	}
	if req.validity <= 0 {
		return generationErr("validate request", fmt.Errorf("validity must be positive, got %s", req.validity))
	}
	return nil
}

// Generate creates a fresh key pair and a certificate described by req
func (g *Generator) Generate(req *CertRequest) (*KeyPair, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	key, err := g.GenerateKey()
	if err != nil {
		return nil, err
	}
	return g.Certify(key, req)
}

// Certify issues the certificate described by req for an existing key
func (g *Generator) Certify(key crypto.Signer, req *CertRequest) (*KeyPair, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, generationErr("validate request", errors.New("private key is required"))
	}

	serial, err := NewSerialNumber(g.random())
	if err != nil {
		return nil, generationErr("serial number", err)
	}

	now := g.now()
	subject := pkix.Name{CommonName: req.commonName}
	if req.organization != "" {
		subject.Organization = []string{req.organization}
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(req.validity),
	}
	if req.isCA {
		template.IsCA = true
		template.BasicConstraintsValid = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
	template.DNSNames, template.IPAddresses = SplitAltNames(req.altNames)

	parent := template
	var signer crypto.Signer = key
	if req.issuer != nil {
		if req.issuer.Certificate == nil || req.issuer.PrivateKey == nil {
			return nil, generationErr("issuer", errors.New("issuer key pair is incomplete"))
		}
		if !req.issuer.Certificate.IsCA {
			return nil, generationErr("issuer", fmt.Errorf("issuer %s is not a CA", req.issuer.Certificate.Subject))
		}
		parent = req.issuer.Certificate
		signer = req.issuer.PrivateKey
		if template.NotAfter.After(parent.NotAfter) {
			template.NotAfter = parent.NotAfter
		}
	}

	der, err := x509.CreateCertificate(g.random(), template, parent, key.Public(), signer)
	if err != nil {
		return nil, generationErr("create certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, generationErr("parse certificate", err)
	}

	return NewKeyPair(key, cert), nil
}
