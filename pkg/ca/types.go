package ca

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/types"
)

var (
	// ErrNoCA is returned when an operation needs a CA and none is configured
	ErrNoCA = errors.New("no certificate authority configured")

	// ErrAmbiguousUpload is returned when uploaded material holds more than one private key
	ErrAmbiguousUpload = errors.New("upload contains more than one private key")

	// ErrNoKeyInUpload is returned when uploaded material holds no private key
	ErrNoKeyInUpload = errors.New("upload contains no private key")

	ErrInvalidParameter = types.ErrInvalidParameter
)

// Type describes where the active CA came from. The variants are Local,
// Generated and Uploaded.
type Type interface {
	Name() string
	isType()
}

// Local is a CA read from an externally configured keystore file
type Local struct {
	Path string
}

// Generated is a self-signed CA created by the service
type Generated struct {
	Organization string
}

// Uploaded is a CA imported from operator supplied PEM or PKCS#12 material
type Uploaded struct{}

func (Local) isType()     {}
func (Generated) isType() {}
func (Uploaded) isType()  {}

func (Local) Name() string     { return "LOCAL" }
func (Generated) Name() string { return "GENERATED" }
func (Uploaded) Name() string  { return "UPLOADED" }

// metadata is persisted next to a store-backed CA
type metadata struct {
	Type         string    `json:"type"`
	Organization string    `json:"organization,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (m metadata) caType() Type {
	switch m.Type {
	case Generated{}.Name():
		return Generated{Organization: m.Organization}
	default:
		return Uploaded{}
	}
}

// Info is the public description of the active CA. It never carries key material.
type Info struct {
	Type        string    `json:"type"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	Serial      string    `json:"serial"`
	Fingerprint string    `json:"fingerprint"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	KeyUsage    []string  `json:"key_usage"`
	ChainLength int       `json:"chain_length"`
}

func newInfo(t Type, chain []*x509.Certificate) *Info {
	cert := chain[0]
	return &Info{
		Type:        t.Name(),
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		Serial:      cert.SerialNumber.Text(16),
		Fingerprint: Fingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		KeyUsage:    security.DescribeKeyUsage(cert.KeyUsage),
		ChainLength: len(chain),
	}
}

// Fingerprint returns the colon separated SHA-256 digest of cert
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.Join(parts, ":")
}

// CAKeystoreWithPassword pairs the CA keystore with the password protecting
// it. It stays inside this package and refuses to be printed or serialized.
type CAKeystoreWithPassword struct {
	keystore *keystore.KeyStore
	password *keystore.Password
}

func (c *CAKeystoreWithPassword) String() string { return "CAKeystoreWithPassword[REDACTED]" }

func (c *CAKeystoreWithPassword) GoString() string { return c.String() }

func (c *CAKeystoreWithPassword) MarshalJSON() ([]byte, error) {
	return nil, errors.New("ca: refusing to serialize the CA keystore")
}
