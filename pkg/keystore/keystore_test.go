package keystore

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPassword = []byte("keystore-pass")

func testGenerator() *certutil.Generator {
	g := certutil.NewGenerator()
	g.KeySize = 1024
	return g
}

type fixture struct {
	store   *storage.BoltStore
	storage *Storage
	gen     *certutil.Generator
	ca      *certutil.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	secrets, err := security.NewSecretsManagerFromPassword("a-long-enough-password-secret")
	require.NoError(t, err)

	gen := testGenerator()
	ca, err := gen.Generate(certutil.SelfSigned("Test CA").IsCA(true).Validity(24 * time.Hour))
	require.NoError(t, err)

	return &fixture{
		store:   store,
		storage: NewStorage(FileStorage{}, NewClusterStorage(store, secrets)),
		gen:     gen,
		ca:      ca,
	}
}

// signedNodeKeystore builds a node keystore whose leaf is issued by the fixture CA
func (f *fixture) signedNodeKeystore(t *testing.T, cn string) *KeyStore {
	t.Helper()
	leaf, err := f.gen.Generate(certutil.SignedBy(cn, f.ca).Validity(time.Hour))
	require.NoError(t, err)
	ks, err := FromKeyPair(AliasDataNode, leaf, f.ca.Certificate)
	require.NoError(t, err)
	return ks
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ks := f.signedNodeKeystore(t, "node-1")

	data, err := ks.Encode(testPassword)
	require.NoError(t, err)

	decoded, err := Decode(data, testPassword, AliasDataNode)
	require.NoError(t, err)
	assert.Equal(t, AliasDataNode, decoded.Alias())
	assert.True(t, decoded.SameChain(ks.Chain()))
	assert.True(t, decoded.HasSignedChain())

	_, err = Decode(data, []byte("wrong"), AliasDataNode)
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestDecodeCertificateOnlyKeystore(t *testing.T) {
	f := newFixture(t)
	data, err := NewTruststore(f.ca.Certificate).Encode(testPassword)
	require.NoError(t, err)

	_, err = Decode(data, testPassword, AliasCA)
	assert.ErrorIs(t, err, ErrNoPrivateKey)
	assert.False(t, errors.Is(err, ErrMultipleKeys))

	_, err = Decode([]byte("not a keystore"), testPassword, AliasCA)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoPrivateKey))
}

func TestNewRejectsMismatchedKey(t *testing.T) {
	f := newFixture(t)
	other, err := f.gen.GenerateKey()
	require.NoError(t, err)

	_, err = New(AliasCA, other, []*x509.Certificate{f.ca.Certificate})
	assert.Error(t, err)
}

func TestSelfSignedEntryIsNotSigned(t *testing.T) {
	f := newFixture(t)
	ks, err := FromKeyPair(AliasCA, f.ca)
	require.NoError(t, err)

	assert.False(t, ks.HasSignedChain())
	assert.True(t, ks.Truststore().Certificates()[0].Equal(f.ca.Certificate))
}

func TestTruststoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ts := NewTruststore(f.ca.Certificate)

	data, err := ts.Encode(testPassword)
	require.NoError(t, err)

	decoded, err := DecodeTruststore(data, testPassword)
	require.NoError(t, err)
	require.Len(t, decoded.Certificates(), 1)
	assert.True(t, decoded.Certificates()[0].Equal(f.ca.Certificate))

	_, err = NewTruststore().Encode(testPassword)
	assert.Error(t, err)
}

func TestPasswordIsRedacted(t *testing.T) {
	pw := NewPassword([]byte("hunter2-hunter2"))

	assert.Equal(t, "[REDACTED]", pw.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", pw))

	_, err := json.Marshal(struct{ P *Password }{pw})
	assert.Error(t, err)

	var seen string
	require.NoError(t, pw.Use(func(b []byte) error {
		seen = string(b)
		return nil
	}))
	assert.Equal(t, "hunter2-hunter2", seen)
}

func TestFileStorage(t *testing.T) {
	f := newFixture(t)
	loc := FileLocation{Path: filepath.Join(t.TempDir(), "sub", "ca.p12")}

	_, err := f.storage.ReadKeyStore(loc, testPassword, AliasCA)
	var storageErr *KeyStoreStorageError
	require.True(t, errors.As(err, &storageErr))
	assert.True(t, IsNotFound(err))

	ks, err := FromKeyPair(AliasCA, f.ca)
	require.NoError(t, err)
	require.NoError(t, f.storage.WriteKeyStore(loc, ks, testPassword))

	info, err := os.Stat(loc.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	read, err := f.storage.ReadKeyStore(loc, testPassword, AliasCA)
	require.NoError(t, err)
	assert.True(t, read.Certificate().Equal(f.ca.Certificate))

	_, err = f.storage.ReadKeyStore(loc, []byte("nope"), AliasCA)
	assert.ErrorIs(t, err, ErrWrongPassword)
	assert.False(t, IsNotFound(err))

	require.NoError(t, f.storage.DeleteKeyStore(loc))
	require.NoError(t, f.storage.DeleteKeyStore(loc))
	exists, err := f.storage.Exists(loc)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClusterStorageEncryptsAtRest(t *testing.T) {
	f := newFixture(t)
	loc := NodeLocation("node-1")
	ks := f.signedNodeKeystore(t, "node-1")

	require.NoError(t, f.storage.WriteKeyStore(loc, ks, testPassword))

	raw, err := f.store.GetKeystore(loc.Collection, loc.Key)
	require.NoError(t, err)
	var doc security.EncryptedValue
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotEmpty(t, doc.Value)

	_, err = Decode(raw, testPassword, AliasDataNode)
	assert.Error(t, err, "stored bytes must not be a plain PKCS#12 container")

	read, err := f.storage.ReadKeyStore(loc, testPassword, AliasDataNode)
	require.NoError(t, err)
	assert.True(t, read.SameChain(ks.Chain()))
}

func TestStorageWithoutBackend(t *testing.T) {
	s := NewStorage(FileStorage{}, nil)
	_, err := s.ReadKeyStore(NodeLocation("n"), testPassword, AliasDataNode)
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestWriteEncodedKeyStoreReencrypts(t *testing.T) {
	f := newFixture(t)
	ks, err := FromKeyPair(AliasCA, f.ca)
	require.NoError(t, err)
	data, err := ks.Encode([]byte("upload-pass"))
	require.NoError(t, err)

	loc := FileLocation{Path: filepath.Join(t.TempDir(), "ca.p12")}
	require.NoError(t, f.storage.WriteEncodedKeyStore(loc, data, []byte("upload-pass"), testPassword, AliasCA))

	_, err = f.storage.ReadKeyStore(loc, []byte("upload-pass"), AliasCA)
	assert.ErrorIs(t, err, ErrWrongPassword)
	_, err = f.storage.ReadKeyStore(loc, testPassword, AliasCA)
	assert.NoError(t, err)
}

func TestNodeKeyStorageReusesKey(t *testing.T) {
	f := newFixture(t)
	nodeKeys := NewNodeKeyStorage(f.storage, NodeLocation("node-1"), "node-1", f.gen)
	csrGen := certutil.NewCSRGenerator(f.gen)

	first, err := csrGen.GenerateCSR(testPassword, "node-1", []string{"node1"}, nodeKeys)
	require.NoError(t, err)
	second, err := csrGen.GenerateCSR(testPassword, "node-1", []string{"node1"}, nodeKeys)
	require.NoError(t, err)
	assert.True(t, publicKeyMatches(first.PublicKey, second.PublicKey))

	placeholder, err := nodeKeys.Load(testPassword)
	require.NoError(t, err)
	assert.False(t, placeholder.HasSignedChain())
}

func TestInstallChainIsIdempotent(t *testing.T) {
	f := newFixture(t)
	nodeKeys := NewNodeKeyStorage(f.storage, NodeLocation("node-1"), "node-1", f.gen)

	csr, err := certutil.NewCSRGenerator(f.gen).GenerateCSR(testPassword, "node-1", nil, nodeKeys)
	require.NoError(t, err)
	chain, err := certutil.NewSigner().SignChain(f.ca.PrivateKey, f.ca.Certificate, csr, certutil.ValidityDays(1))
	require.NoError(t, err)

	changed, err := nodeKeys.InstallChain(testPassword, chain.Certificates())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = nodeKeys.InstallChain(testPassword, chain.Certificates())
	require.NoError(t, err)
	assert.False(t, changed)

	installed, err := nodeKeys.Load(testPassword)
	require.NoError(t, err)
	assert.True(t, installed.HasSignedChain())
	assert.True(t, installed.CertificateChain().TerminatesAt(f.ca.Certificate))
}

func TestInstallChainRejectsForeignCertificate(t *testing.T) {
	f := newFixture(t)
	nodeKeys := NewNodeKeyStorage(f.storage, NodeLocation("node-1"), "node-1", f.gen)
	_, err := nodeKeys.Create(testPassword)
	require.NoError(t, err)

	foreign := f.signedNodeKeystore(t, "someone-else")
	_, err = nodeKeys.InstallChain(testPassword, foreign.Chain())
	assert.Error(t, err)
}

func TestMigrateSignedLegacyKeystore(t *testing.T) {
	f := newFixture(t)
	ks := f.signedNodeKeystore(t, "node-1")
	data, err := ks.Encode(testPassword)
	require.NoError(t, err)
	require.NoError(t, f.store.PutLegacyKeystore("node-1", data))

	res, err := NewMigrator(f.store, f.storage, f.gen).Migrate("node-1", testPassword)
	require.NoError(t, err)
	assert.Equal(t, MigrationMigrated, res.Status)

	_, err = f.store.GetLegacyKeystore("node-1")
	assert.True(t, storage.IsNotFound(err))

	migrated, err := f.storage.ReadKeyStore(NodeLocation("node-1"), testPassword, AliasDataNode)
	require.NoError(t, err)
	assert.True(t, migrated.SameChain(ks.Chain()))

	// a second run reports the recorded outcome
	again, err := NewMigrator(f.store, f.storage, f.gen).Migrate("node-1", testPassword)
	require.NoError(t, err)
	assert.Equal(t, MigrationMigrated, again.Status)
}

func TestMigrateRegeneratesUnusableLegacyKeystore(t *testing.T) {
	cases := map[string]func(t *testing.T, f *fixture) []byte{
		"self-signed": func(t *testing.T, f *fixture) []byte {
			kp, err := f.gen.Generate(certutil.SelfSigned("node-1").Validity(time.Hour))
			require.NoError(t, err)
			ks, err := FromKeyPair(AliasDataNode, kp)
			require.NoError(t, err)
			data, err := ks.Encode(testPassword)
			require.NoError(t, err)
			return data
		},
		"corrupt": func(*testing.T, *fixture) []byte { return []byte("not a keystore") },
	}

	for name, legacy := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.store.PutLegacyKeystore("node-1", legacy(t, f)))

			m := NewMigrator(f.store, f.storage, f.gen)
			res, err := m.Migrate("node-1", testPassword)
			require.NoError(t, err)
			assert.Equal(t, MigrationRegenerated, res.Status)
			assert.NotEmpty(t, res.Reason)

			fresh, err := f.storage.ReadKeyStore(NodeLocation("node-1"), testPassword, AliasDataNode)
			require.NoError(t, err)
			assert.False(t, fresh.HasSignedChain())

			recorded, err := m.Status("node-1")
			require.NoError(t, err)
			assert.Equal(t, MigrationRegenerated, recorded.Status)
		})
	}
}

func TestMigrateWithoutLegacyKeystore(t *testing.T) {
	f := newFixture(t)
	res, err := NewMigrator(f.store, f.storage, f.gen).Migrate("node-1", testPassword)
	require.NoError(t, err)
	assert.Equal(t, MigrationNotNeeded, res.Status)

	exists, err := f.storage.Exists(NodeLocation("node-1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMigrateKeepsExistingTarget(t *testing.T) {
	f := newFixture(t)
	current := f.signedNodeKeystore(t, "node-1")
	require.NoError(t, f.storage.WriteKeyStore(NodeLocation("node-1"), current, testPassword))
	require.NoError(t, f.store.PutLegacyKeystore("node-1", []byte("stale")))

	res, err := NewMigrator(f.store, f.storage, f.gen).Migrate("node-1", testPassword)
	require.NoError(t, err)
	assert.Equal(t, MigrationAlreadyMigrated, res.Status)

	kept, err := f.storage.ReadKeyStore(NodeLocation("node-1"), testPassword, AliasDataNode)
	require.NoError(t, err)
	assert.True(t, kept.SameChain(current.Chain()))
}

func TestMigrateDryRun(t *testing.T) {
	f := newFixture(t)
	ks := f.signedNodeKeystore(t, "node-1")
	data, err := ks.Encode(testPassword)
	require.NoError(t, err)
	require.NoError(t, f.store.PutLegacyKeystore("node-1", data))

	results, err := NewMigrator(f.store, f.storage, f.gen).DryRun(true).MigrateAll(testPassword)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, MigrationMigrated, results[0].Status)
	assert.True(t, results[0].DryRun)

	_, err = f.store.GetLegacyKeystore("node-1")
	assert.NoError(t, err, "dry run must keep the legacy copy")
	exists, err := f.storage.Exists(NodeLocation("node-1"))
	require.NoError(t, err)
	assert.False(t, exists)
}
