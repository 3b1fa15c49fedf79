package reconciler

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/provisioning"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCA struct {
	cert *x509.Certificate
}

func (c staticCA) Exists() (bool, error) { return c.cert != nil, nil }

func (c staticCA) Certificate() (*x509.Certificate, error) { return c.cert, nil }

func newCA(t *testing.T, g *certutil.Generator, name string) *certutil.KeyPair {
	t.Helper()
	kp, err := g.Generate(certutil.SelfSigned(name).IsCA(true).Validity(24 * time.Hour))
	require.NoError(t, err)
	return kp
}

func signedChain(t *testing.T, g *certutil.Generator, ca *certutil.KeyPair, cn string) []string {
	t.Helper()
	leaf, err := g.Generate(certutil.SignedBy(cn, ca).Validity(time.Hour))
	require.NoError(t, err)
	chain := &certutil.CertificateChain{Leaf: leaf.Certificate, CACerts: []*x509.Certificate{ca.Certificate}}
	return chain.PEM()
}

func save(t *testing.T, store storage.Store, nodeID string, state types.ProvisioningState, mutate func(*types.ProvisioningConfig)) {
	t.Helper()
	cfg := types.NewProvisioningConfig(nodeID, nil)
	cfg.State = state
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, store.SaveProvisioning(cfg))
}

func TestReconcileRepairsRecords(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	g := certutil.NewGenerator()
	g.KeySize = 1024
	active := newCA(t, g, "active-ca")
	previous := newCA(t, g, "previous-ca")

	save(t, store, "signed-empty", types.StateSigned, nil)
	save(t, store, "csr-empty", types.StateCSR, nil)
	save(t, store, "foreign", types.StateConnected, func(c *types.ProvisioningConfig) {
		c.CertificateChain = signedChain(t, g, previous, "foreign")
	})
	save(t, store, "healthy", types.StateConnected, func(c *types.ProvisioningConfig) {
		c.CertificateChain = signedChain(t, g, active, "healthy")
	})
	save(t, store, "waiting", types.StateCSR, func(c *types.ProvisioningConfig) {
		c.CSR = "-----BEGIN CERTIFICATE REQUEST-----"
	})

	r := NewReconciler(store, staticCA{cert: active.Certificate}, nil, nil, 0)
	require.NoError(t, r.Reconcile())

	want := map[string]types.ProvisioningState{
		"signed-empty": types.StateConfigured,
		"csr-empty":    types.StateError,
		"foreign":      types.StateRenewal,
		"healthy":      types.StateConnected,
		"waiting":      types.StateCSR,
	}
	for nodeID, state := range want {
		cfg, err := store.GetProvisioning(nodeID)
		require.NoError(t, err)
		assert.Equal(t, state, cfg.State, nodeID)
	}

	cfg, err := store.GetProvisioning("csr-empty")
	require.NoError(t, err)
	assert.Equal(t, provisioning.MsgNoCSR, cfg.ErrorMsg)
}

func TestReconcileWithoutCA(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	save(t, store, "node-1", types.StateStored, func(c *types.ProvisioningConfig) {
		c.CertificateChain = []string{"garbage"}
	})

	r := NewReconciler(store, staticCA{}, nil, nil, 0)
	require.NoError(t, r.Reconcile())

	cfg, err := store.GetProvisioning("node-1")
	require.NoError(t, err)
	if cfg.State != types.StateStored {
		t.Fatalf("state = %s, chain checks need a CA", cfg.State)
	}
}

func TestReconcilePrunesOldEvents(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()
	_, err = store.AppendEvent(&types.ClusterEvent{ID: "old", Type: "ca.changed", Timestamp: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = store.AppendEvent(&types.ClusterEvent{ID: "new", Type: "ca.changed", Timestamp: now})
	require.NoError(t, err)

	r := NewReconciler(store, nil, nil, nil, 0)
	r.now = func() time.Time { return now }
	require.NoError(t, r.Reconcile())

	remaining, err := store.ListEventsSince(0, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "new", remaining[0].ID)
}

func TestStartStop(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	r := NewReconciler(store, nil, nil, nil, 5*time.Millisecond)
	r.Start()
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop()
}
