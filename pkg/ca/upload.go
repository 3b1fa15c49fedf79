package ca

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/keystore"
)

// UploadPart is one uploaded file
type UploadPart struct {
	Name string
	Data []byte
}

var pemMarker = []byte("-----BEGIN ")

type uploadContents struct {
	keys      []crypto.Signer
	certs     []*x509.Certificate
	keystores []*keystore.KeyStore
}

func (u *uploadContents) keyCount() int {
	return len(u.keys) + len(u.keystores)
}

// parseUpload normalizes PEM files or a PKCS#12 container into a CA keystore
// entry under the canonical alias.
func parseUpload(password []byte, parts []UploadPart) (*keystore.KeyStore, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no files uploaded%w", ErrInvalidParameter)
	}

	var contents uploadContents
	for _, part := range parts {
		if err := contents.add(password, part); err != nil {
			return nil, err
		}
	}

	switch n := contents.keyCount(); {
	case n == 0:
		return nil, ErrNoKeyInUpload
	case n > 1:
		return nil, fmt.Errorf("%w: found %d", ErrAmbiguousUpload, n)
	}

	var (
		ks  *keystore.KeyStore
		err error
	)
	if len(contents.keystores) == 1 {
		ks = contents.keystores[0]
	} else {
		ks, err = contents.pemKeystore()
		if err != nil {
			return nil, err
		}
	}

	if !ks.Certificate().IsCA {
		return nil, fmt.Errorf("certificate %s is not a CA certificate%w", ks.Certificate().Subject, ErrInvalidParameter)
	}
	return ks, nil
}

func (u *uploadContents) add(password []byte, part UploadPart) error {
	if bytes.Contains(part.Data, pemMarker) {
		if bytes.Contains(part.Data, []byte("ENCRYPTED PRIVATE KEY")) {
			return fmt.Errorf("%s: encrypted PEM private keys are not supported, upload a PKCS#12 file instead%w", part.Name, ErrInvalidParameter)
		}
		keys, err := certutil.ParsePrivateKeysPEM(part.Data)
		if err != nil {
			return fmt.Errorf("%s: %s%w", part.Name, err.Error(), ErrInvalidParameter)
		}
		u.keys = append(u.keys, keys...)
		if bytes.Contains(part.Data, []byte("CERTIFICATE-----")) {
			certs, err := certutil.ParseCertificatesPEM(part.Data)
			if err != nil {
				return fmt.Errorf("%s: %s%w", part.Name, err.Error(), ErrInvalidParameter)
			}
			u.certs = append(u.certs, certs...)
		}
		return nil
	}

	ks, err := keystore.Decode(part.Data, password, keystore.AliasCA)
	switch {
	case err == nil:
		u.keystores = append(u.keystores, ks)
		return nil
	case errors.Is(err, keystore.ErrMultipleKeys):
		return fmt.Errorf("%s: %w", part.Name, ErrAmbiguousUpload)
	case errors.Is(err, keystore.ErrNoPrivateKey):
		return fmt.Errorf("%s: %w", part.Name, ErrNoKeyInUpload)
	case errors.Is(err, keystore.ErrWrongPassword):
		return fmt.Errorf("%s: wrong keystore password%w", part.Name, ErrInvalidParameter)
	default:
		return fmt.Errorf("%s: unrecognized file, expected PEM or PKCS#12: %s%w", part.Name, err.Error(), ErrInvalidParameter)
	}
}

// pemKeystore orders the uploaded certificates into a chain starting at the
// certificate of the single uploaded key.
func (u *uploadContents) pemKeystore() (*keystore.KeyStore, error) {
	key := u.keys[0]
	var leaf *x509.Certificate
	rest := make([]*x509.Certificate, 0, len(u.certs))
	for _, c := range u.certs {
		if leaf == nil && publicKeyMatches(key.Public(), c.PublicKey) {
			leaf = c
			continue
		}
		rest = append(rest, c)
	}
	if leaf == nil {
		return nil, fmt.Errorf("no uploaded certificate matches the private key%w", ErrInvalidParameter)
	}

	chain := []*x509.Certificate{leaf}
	for current := leaf; ; {
		next := issuerOf(current, rest)
		if next == nil {
			break
		}
		chain = append(chain, next)
		current = next
	}
	return keystore.New(keystore.AliasCA, key, chain)
}

// issuerOf finds the certificate in candidates that signed cert
func issuerOf(cert *x509.Certificate, candidates []*x509.Certificate) *x509.Certificate {
	if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return nil
	}
	for _, c := range candidates {
		if c.Equal(cert) {
			continue
		}
		if cert.CheckSignatureFrom(c) == nil {
			return c
		}
	}
	return nil
}

func publicKeyMatches(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
