package certutil

import (
	"crypto"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuemby/certwarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGenerator() *Generator {
	g := NewGenerator()
	g.KeySize = 1024
	return g
}

func newTestCA(t *testing.T) *KeyPair {
	t.Helper()
	ca, err := testGenerator().Generate(SelfSigned("Test CA").IsCA(true).Validity(365 * 24 * time.Hour))
	require.NoError(t, err)
	return ca
}

// memKeyStorage keeps a key in memory and counts how often one was created
type memKeyStorage struct {
	key     crypto.Signer
	created int
	failure error
}

func (m *memKeyStorage) WithPrivateKey(_ []byte, newKey func() (crypto.Signer, error), fn func(crypto.Signer) error) error {
	if m.failure != nil {
		return m.failure
	}
	if m.key == nil {
		key, err := newKey()
		if err != nil {
			return err
		}
		m.key = key
		m.created++
	}
	return fn(m.key)
}

func TestGenerateSelfSignedLeaf(t *testing.T) {
	kp, err := testGenerator().Generate(SelfSigned("node1").Validity(time.Hour))
	require.NoError(t, err)

	cert := kp.Certificate
	assert.Equal(t, cert.Subject.String(), cert.Issuer.String())
	assert.False(t, cert.IsCA)
	assert.False(t, cert.BasicConstraintsValid && cert.IsCA)
	assert.NoError(t, cert.CheckSignatureFrom(cert))
	assert.True(t, publicKeysEqual(kp.PublicKey, cert.PublicKey))
}

func TestGenerateCA(t *testing.T) {
	ca := newTestCA(t)

	assert.True(t, ca.Certificate.IsCA)
	assert.True(t, ca.Certificate.BasicConstraintsValid)
	assert.NotZero(t, ca.Certificate.KeyUsage&x509.KeyUsageCertSign)
	assert.Equal(t, 1, ca.Certificate.SerialNumber.Sign())
	assert.LessOrEqual(t, ca.Certificate.SerialNumber.BitLen(), 128)
}

func TestGenerateIssuedByCA(t *testing.T) {
	ca := newTestCA(t)

	kp, err := testGenerator().Generate(SignedBy("http", ca).
		WithSubjectAltNames("localhost", "127.0.0.1").
		Validity(24 * time.Hour))
	require.NoError(t, err)

	assert.Equal(t, ca.Certificate.Subject.String(), kp.Certificate.Issuer.String())
	assert.NoError(t, kp.Certificate.CheckSignatureFrom(ca.Certificate))
	assert.Equal(t, []string{"localhost"}, kp.Certificate.DNSNames)
	require.Len(t, kp.Certificate.IPAddresses, 1)
	assert.True(t, kp.Certificate.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
}

func TestGenerateRejectsNonCAIssuer(t *testing.T) {
	leaf, err := testGenerator().Generate(SelfSigned("leaf").Validity(time.Hour))
	require.NoError(t, err)

	_, err = testGenerator().Generate(SignedBy("child", leaf).Validity(time.Hour))
	var genErr *GenerationError
	assert.True(t, errors.As(err, &genErr), "got %v", err)
}

func TestGenerateValidatesRequest(t *testing.T) {
	_, err := testGenerator().Generate(SelfSigned("").Validity(time.Hour))
	assert.Error(t, err)

	_, err = testGenerator().Generate(SelfSigned("x"))
	var genErr *GenerationError
	assert.True(t, errors.As(err, &genErr))
}

func TestSubjectAltNamesUniqueAndOrdered(t *testing.T) {
	req := SelfSigned("n").
		WithSubjectAltNames("b", "a", " b ", "").
		WithSubjectAltNames("c", "a")

	assert.Equal(t, []string{"b", "a", "c"}, req.SubjectAltNames())
}

func TestCSRRoundTrip(t *testing.T) {
	ca := newTestCA(t)
	storage := &memKeyStorage{}
	gen := NewCSRGenerator(testGenerator())

	csr, err := gen.GenerateCSR([]byte("pw"), "node1", []string{"node1", "127.0.0.1"}, storage)
	require.NoError(t, err)
	assert.Equal(t, 1, storage.created)
	assert.Equal(t, []string{"node1"}, csr.DNSNames)

	chain, err := NewSigner().SignChain(ca.PrivateKey, ca.Certificate, csr, ValidityDays(30))
	require.NoError(t, err)

	assert.True(t, publicKeysEqual(csr.PublicKey, chain.Leaf.PublicKey))
	assert.Equal(t, ca.Certificate.Subject.String(), chain.Leaf.Issuer.String())
	assert.True(t, chain.TerminatesAt(ca.Certificate))
	assert.NoError(t, chain.Verify(time.Now()))
	assert.Equal(t, []string{"node1", "127.0.0.1"}, JoinAltNames(chain.Leaf.DNSNames, chain.Leaf.IPAddresses))

	// A second CSR reuses the stored key.
	csr2, err := gen.GenerateCSR([]byte("pw"), "node1", nil, storage)
	require.NoError(t, err)
	assert.Equal(t, 1, storage.created)
	assert.True(t, publicKeysEqual(csr.PublicKey, csr2.PublicKey))
}

func TestGenerateCSRStorageFailure(t *testing.T) {
	storage := &memKeyStorage{failure: errors.New("storage unavailable")}

	_, err := NewCSRGenerator(testGenerator()).GenerateCSR(nil, "node1", nil, storage)
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr), "got %v", err)
	assert.Contains(t, err.Error(), "storage unavailable")
}

func TestSignRejectsMismatchedIssuer(t *testing.T) {
	ca := newTestCA(t)
	other := newTestCA(t)

	key, err := testGenerator().GenerateKey()
	require.NoError(t, err)
	csr, err := CreateCSR(nil, key, "node1", nil)
	require.NoError(t, err)

	_, err = NewSigner().Sign(other.PrivateKey, ca.Certificate, csr, ValidityDays(1))
	var signErr *SigningError
	assert.True(t, errors.As(err, &signErr), "got %v", err)
}

func TestSignRejectsTamperedCSR(t *testing.T) {
	ca := newTestCA(t)
	key, err := testGenerator().GenerateKey()
	require.NoError(t, err)
	csr, err := CreateCSR(nil, key, "node1", nil)
	require.NoError(t, err)

	other, err := testGenerator().GenerateKey()
	require.NoError(t, err)
	csr.PublicKey = other.Public()

	_, err = NewSigner().Sign(ca.PrivateKey, ca.Certificate, csr, ValidityDays(1))
	var signErr *SigningError
	assert.True(t, errors.As(err, &signErr), "got %v", err)
}

func TestSignValidityFromPolicy(t *testing.T) {
	ca := newTestCA(t)
	key, err := testGenerator().GenerateKey()
	require.NoError(t, err)
	csr, err := CreateCSR(nil, key, "node1", nil)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	signer := &Signer{Now: func() time.Time { return now }}
	policy := types.RenewalPolicy{Mode: types.RenewalModeAutomatic, CertificateLifetime: types.Duration(12 * time.Hour)}

	cert, err := signer.Sign(ca.PrivateKey, ca.Certificate, csr, ValidityFromPolicy(policy))
	require.NoError(t, err)
	assert.Equal(t, now.Add(12*time.Hour).UTC(), cert.NotAfter.UTC())

	_, err = signer.Sign(ca.PrivateKey, ca.Certificate, csr, Validity{})
	assert.Error(t, err)
}

func TestSignClampsToIssuerExpiry(t *testing.T) {
	ca := newTestCA(t)
	key, err := testGenerator().GenerateKey()
	require.NoError(t, err)
	csr, err := CreateCSR(nil, key, "node1", nil)
	require.NoError(t, err)

	cert, err := NewSigner().Sign(ca.PrivateKey, ca.Certificate, csr, ValidityDays(5000))
	require.NoError(t, err)
	assert.False(t, cert.NotAfter.After(ca.Certificate.NotAfter))
}

func TestPEMHelpers(t *testing.T) {
	ca := newTestCA(t)
	leaf, err := testGenerator().Generate(SignedBy("leaf", ca).Validity(time.Hour))
	require.NoError(t, err)

	chain := &CertificateChain{Leaf: leaf.Certificate, CACerts: []*x509.Certificate{ca.Certificate}}
	parsed, err := ParseCertificateChain(chain.PEM())
	require.NoError(t, err)
	assert.True(t, parsed.Leaf.Equal(leaf.Certificate))
	assert.True(t, parsed.TerminatesAt(ca.Certificate))

	bundle := EncodeCertificatesPEM(chain.Certificates())
	keyPEM, err := EncodePrivateKeyPEM(leaf.PrivateKey)
	require.NoError(t, err)
	bundle = append(bundle, keyPEM...)

	certs, err := ParseCertificatesPEM(bundle)
	require.NoError(t, err)
	assert.Len(t, certs, 2)

	keys, err := ParsePrivateKeysPEM(bundle)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, publicKeysEqual(keys[0].Public(), leaf.Certificate.PublicKey))

	_, err = ParseCertificatesPEM([]byte("garbage"))
	assert.Error(t, err)
}

func TestChainVerifyDetectsForeignCA(t *testing.T) {
	ca := newTestCA(t)
	other := newTestCA(t)
	leaf, err := testGenerator().Generate(SignedBy("leaf", ca).Validity(time.Hour))
	require.NoError(t, err)

	chain := &CertificateChain{Leaf: leaf.Certificate, CACerts: []*x509.Certificate{other.Certificate}}
	assert.Error(t, chain.Verify(time.Now()))
	assert.False(t, chain.TerminatesAt(ca.Certificate))
}
