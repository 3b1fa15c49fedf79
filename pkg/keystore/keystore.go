package keystore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/samber/lo"
	"software.sslmate.com/src/go-pkcs12"
)

// Canonical aliases
const (
	AliasCA       = "ca"
	AliasDataNode = "datanode"
)

// SealedKey is a private key kept PKCS#8 encoded inside a memguard enclave.
// The parsed key only exists while a Use callback runs.
type SealedKey struct {
	enclave *memguard.Enclave
}

// SealKey moves key into an enclave
func SealKey(key crypto.Signer) (*SealedKey, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return &SealedKey{enclave: memguard.NewEnclave(der)}, nil
}

// Use decrypts the key for the duration of fn
func (s *SealedKey) Use(fn func(key crypto.Signer) error) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open private key enclave: %w", err)
	}
	defer buf.Destroy()

	parsed, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to parse sealed private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", parsed)
	}
	return fn(signer)
}

// KeyStore is one private-key entry with its certificate chain under an alias.
// It is the in-memory form of a PKCS#12 container.
type KeyStore struct {
	alias string
	key   *SealedKey
	chain []*x509.Certificate
}

// New builds a keystore entry. chain must start with the certificate of key.
func New(alias string, key crypto.Signer, chain []*x509.Certificate) (*KeyStore, error) {
	if len(chain) == 0 {
		return nil, errors.New("keystore entry needs a certificate")
	}
	if !publicKeyMatches(key.Public(), chain[0].PublicKey) {
		return nil, errors.New("private key does not match certificate")
	}
	sealed, err := SealKey(key)
	if err != nil {
		return nil, err
	}
	return &KeyStore{alias: alias, key: sealed, chain: append([]*x509.Certificate(nil), chain...)}, nil
}

// FromKeyPair builds a keystore entry holding kp and its issuers
func FromKeyPair(alias string, kp *certutil.KeyPair, issuers ...*x509.Certificate) (*KeyStore, error) {
	return New(alias, kp.PrivateKey, append([]*x509.Certificate{kp.Certificate}, issuers...))
}

func (k *KeyStore) Alias() string { return k.alias }

// Certificate returns the entry's leaf certificate
func (k *KeyStore) Certificate() *x509.Certificate { return k.chain[0] }

// Chain returns a copy of the certificate chain, leaf first
func (k *KeyStore) Chain() []*x509.Certificate {
	return append([]*x509.Certificate(nil), k.chain...)
}

// CertificateChain returns the entry's chain in certutil form
func (k *KeyStore) CertificateChain() *certutil.CertificateChain {
	return &certutil.CertificateChain{Leaf: k.chain[0], CACerts: append([]*x509.Certificate(nil), k.chain[1:]...)}
}

// WithPrivateKey hands the decrypted private key to fn
func (k *KeyStore) WithPrivateKey(fn func(key crypto.Signer) error) error {
	return k.key.Use(fn)
}

// WithAlias returns a copy of the entry under another alias
func (k *KeyStore) WithAlias(alias string) *KeyStore {
	out := *k
	out.alias = alias
	return &out
}

// WithChain returns a copy of the entry with chain replacing the current one.
// The new leaf must belong to the entry's private key.
func (k *KeyStore) WithChain(chain []*x509.Certificate) (*KeyStore, error) {
	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	var matches bool
	err := k.key.Use(func(key crypto.Signer) error {
		matches = publicKeyMatches(key.Public(), chain[0].PublicKey)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !matches {
		return nil, errors.New("certificate does not belong to the keystore private key")
	}
	return &KeyStore{alias: k.alias, key: k.key, chain: append([]*x509.Certificate(nil), chain...)}, nil
}

// HasSignedChain reports whether the leaf is issued by another certificate in
// the chain rather than self-signed.
func (k *KeyStore) HasSignedChain() bool {
	if len(k.chain) < 2 {
		return false
	}
	for i := 0; i < len(k.chain)-1; i++ {
		if err := k.chain[i].CheckSignatureFrom(k.chain[i+1]); err != nil {
			return false
		}
	}
	return true
}

// SameChain reports whether k holds exactly chain
func (k *KeyStore) SameChain(chain []*x509.Certificate) bool {
	if len(chain) != len(k.chain) {
		return false
	}
	for i := range chain {
		if !chain[i].Equal(k.chain[i]) {
			return false
		}
	}
	return true
}

// Truststore returns the certificate-only view of the entry's issuers.
// A self-signed entry (a CA) exposes its own certificate.
func (k *KeyStore) Truststore() *Truststore {
	if len(k.chain) == 1 {
		return NewTruststore(k.chain[0])
	}
	return NewTruststore(k.chain[len(k.chain)-1])
}

// Encode serializes the entry to PKCS#12 protected by password
func (k *KeyStore) Encode(password []byte) ([]byte, error) {
	var out []byte
	err := k.key.Use(func(key crypto.Signer) error {
		var err error
		out, err = pkcs12.Modern.Encode(key, k.chain[0], k.chain[1:], string(password))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 keystore: %w", err)
	}
	return out, nil
}

// Decode parses a PKCS#12 container holding exactly one private key
func Decode(data, password []byte, alias string) (*KeyStore, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(data, string(password))
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrWrongPassword
		}
		return nil, classifyDecodeError(data, password, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return New(alias, signer, append([]*x509.Certificate{leaf}, caCerts...))
}

var (
	// ErrMultipleKeys is returned when a container holds more than one private key
	ErrMultipleKeys = errors.New("keystore contains more than one private key")

	// ErrNoPrivateKey is returned when a container holds no private key
	ErrNoPrivateKey = errors.New("keystore contains no private key")
)

// classifyDecodeError counts the key bags of a keystore DecodeChain refused,
// telling a missing or ambiguous key apart from a damaged file
func classifyDecodeError(data, password []byte, err error) error {
	blocks, pemErr := pkcs12.ToPEM(data, string(password))
	if pemErr != nil {
		// ToPEM rejects the Java trust attribute, certificate-only containers carry it
		if _, tsErr := pkcs12.DecodeTrustStore(data, string(password)); tsErr == nil {
			return fmt.Errorf("%w: %v", ErrNoPrivateKey, err)
		}
		return fmt.Errorf("failed to decode PKCS#12 keystore: %w", err)
	}
	keys := lo.CountBy(blocks, func(b *pem.Block) bool { return b.Type == "PRIVATE KEY" })
	switch {
	case keys == 0:
		return fmt.Errorf("%w: %v", ErrNoPrivateKey, err)
	case keys > 1:
		return fmt.Errorf("%w: found %d", ErrMultipleKeys, keys)
	}
	return fmt.Errorf("failed to decode PKCS#12 keystore: %w", err)
}

func publicKeyMatches(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
