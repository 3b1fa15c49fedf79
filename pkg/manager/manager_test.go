package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRaft(c *raft.Config) {
	c.HeartbeatTimeout = 50 * time.Millisecond
	c.ElectionTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 50 * time.Millisecond
	c.CommitTimeout = 5 * time.Millisecond
}

func testSigner(t *testing.T) *security.RequestSigner {
	t.Helper()
	secrets, err := security.NewSecretsManagerFromPassword("manager-test-password-secret")
	require.NoError(t, err)
	return security.NewRequestSigner(secrets)
}

func newTestManager(t *testing.T, id, apiAddr string, voter bool) (*Manager, *raft.InmemTransport) {
	t.Helper()
	_, trans := raft.NewInmemTransport(raft.ServerAddress(id))
	logs := raft.NewInmemStore()

	m, err := NewManager(&Config{
		NodeID:        id,
		APIAddr:       apiAddr,
		DataDir:       t.TempDir(),
		Voter:         voter,
		Transport:     trans,
		LogStore:      logs,
		StableStore:   logs,
		SnapshotStore: raft.NewInmemSnapshotStore(),
		Tune:          fastRaft,
		Signer:        testSigner(t),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown() })
	return m, trans
}

func bootstrapped(t *testing.T, id, apiAddr string) (*Manager, *raft.InmemTransport) {
	t.Helper()
	m, trans := newTestManager(t, id, apiAddr, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Bootstrap(ctx))
	return m, trans
}

func TestSingleNodeStore(t *testing.T) {
	m, _ := bootstrapped(t, "server-1", "127.0.0.1:9000")
	assert.True(t, m.IsLeader())

	member, err := m.GetMember("server-1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", member.APIAddr)
	assert.True(t, member.Voter)

	cfg := types.NewProvisioningConfig("node-1", []string{"node1"})
	require.NoError(t, m.SaveProvisioning(cfg))
	assert.Equal(t, int64(1), cfg.Version)

	stale := cfg.Clone()
	updated, err := storage.UpdateProvisioning(m, "node-1", func(c *types.ProvisioningConfig) error {
		return c.Transition(types.StateConfigured, "")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	stale.State = types.StateError
	err = m.SaveProvisioning(stale)
	assert.True(t, errors.Is(err, storage.ErrConflict), "got %v", err)

	got, err := m.GetProvisioning("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateConfigured, got.State)

	require.NoError(t, m.PutKeystore("datanode_keystores", "node-1", []byte("ks")))
	data, err := m.GetKeystore("datanode_keystores", "node-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ks"), data)
	require.NoError(t, m.DeleteKeystore("datanode_keystores", "node-1"))
	_, err = m.GetKeystore("datanode_keystores", "node-1")
	assert.True(t, storage.IsNotFound(err))

	old := time.Now().Add(-2 * time.Hour)
	for i, ts := range []time.Time{old, time.Now()} {
		seq, err := m.AppendEvent(&types.ClusterEvent{ID: string(rune('a' + i)), Type: "test", Timestamp: ts})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}
	removed, err := m.PruneEvents(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n := &types.Notification{ID: "n1", Type: types.NotificationDataNodeNeedsProvisioning, Severity: types.SeverityNormal, Timestamp: time.Now()}
	require.NoError(t, m.SaveNotification(n))
	list, err := m.ListNotifications()
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, m.DeleteNotification(n.Type, n.Key))

	stats := m.GetRaftStats()
	assert.Equal(t, 1, stats["peers"])
	assert.Greater(t, stats["applied_index"].(uint64), uint64(0))
	assert.Equal(t, "Leader", stats["state"])
}

// clusterHandler serves the cluster endpoints the way the API server does
func clusterHandler(verifier *security.RequestSigner, leader func() *Manager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(JoinPath, func(w http.ResponseWriter, r *http.Request) {
		var req JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := leader().AddMember(&req); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidToken) {
				status = http.StatusUnauthorized
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(ApplyPath, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		signer, err := verifier.Verify(r, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if _, err := leader().GetMember(signer); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		var cmd Command
		if err := json.Unmarshal(body, &cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := leader().ApplyForwarded(&cmd)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(res)
	})
	return mux
}

func TestDataNodeJoinsAndForwardsWrites(t *testing.T) {
	var leader *Manager
	srv := httptest.NewServer(clusterHandler(testSigner(t), func() *Manager { return leader }))
	defer srv.Close()

	leader, leaderTrans := bootstrapped(t, "server-1", srv.URL)
	follower, followerTrans := newTestManager(t, "datanode-1", "127.0.0.1:9001", false)
	leaderTrans.Connect(followerTrans.LocalAddr(), followerTrans)
	followerTrans.Connect(leaderTrans.LocalAddr(), leaderTrans)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := follower.Join(ctx, srv.URL, "bogus")
	assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)

	token, err := leader.GenerateJoinToken(RoleDataNode)
	require.NoError(t, err)
	require.NoError(t, follower.Join(ctx, srv.URL, token.Token))

	servers, err := leader.GetClusterServers()
	require.NoError(t, err)
	require.Len(t, servers, 2)
	for _, s := range servers {
		if s.ID == "datanode-1" {
			assert.Equal(t, raft.Nonvoter, s.Suffrage)
		}
	}

	require.Eventually(t, func() bool {
		_, err := follower.GetMember("server-1")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.False(t, follower.IsLeader())
	_, err = follower.AddMember(&JoinRequest{NodeID: "x", RaftAddr: "x", APIAddr: "x", Token: token.Token})
	assert.ErrorIs(t, err, ErrNotLeader)

	cfg := types.NewProvisioningConfig("datanode-1", []string{"dn1"})
	require.NoError(t, follower.SaveProvisioning(cfg))
	assert.Equal(t, int64(1), cfg.Version)

	got, err := follower.GetProvisioning("datanode-1")
	require.NoError(t, err, "forwarded write must be readable locally")
	assert.Equal(t, int64(1), got.Version)

	stale := types.NewProvisioningConfig("datanode-1", nil)
	err = follower.SaveProvisioning(stale)
	assert.True(t, errors.Is(err, storage.ErrConflict), "got %v", err)

	seq, err := follower.AppendEvent(&types.ClusterEvent{ID: "e1", Type: "test", Timestamp: time.Now()})
	require.NoError(t, err)
	leaderSeq, err := leader.LastEventSeq()
	require.NoError(t, err)
	assert.Equal(t, leaderSeq, seq)

	// A follower keyed with another cluster's secret cannot write
	other, err := security.NewSecretsManagerFromPassword("another-cluster-password")
	require.NoError(t, err)
	follower.signer = security.NewRequestSigner(other)
	err = follower.SaveDataNode(&types.DataNode{NodeID: "intruder"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused forwarded write")
	_, err = leader.GetDataNode("intruder")
	assert.True(t, storage.IsNotFound(err))
}

func TestTokenManager(t *testing.T) {
	tm := NewTokenManager()
	now := time.Now()
	tm.now = func() time.Time { return now }

	_, err := tm.GenerateToken("worker", time.Hour)
	assert.Error(t, err)

	jt, err := tm.GenerateToken(RoleServer, time.Hour)
	require.NoError(t, err)
	assert.Len(t, jt.Token, 64)
	assert.True(t, jt.Voter())

	got, err := tm.ValidateToken(jt.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleServer, got.Role)

	_, err = tm.ValidateToken("nope")
	assert.ErrorIs(t, err, ErrInvalidToken)

	listed := tm.ListTokens()
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Token)

	now = now.Add(2 * time.Hour)
	_, err = tm.ValidateToken(jt.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, 1, tm.CleanupExpiredTokens())
	assert.Empty(t, tm.ListTokens())
}

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Close() error  { return nil }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }

func newFSM(t *testing.T) (*FSM, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewFSM(store), store
}

func applyCmd(t *testing.T, f *FSM, op string, v interface{}) *ApplyResult {
	t.Helper()
	cmd, err := newCommand(op, v)
	require.NoError(t, err)
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: data}).(*ApplyResult)
}

func TestFSMSnapshotRestore(t *testing.T) {
	src, _ := newFSM(t)
	dst, dstStore := newFSM(t)

	res := applyCmd(t, src, opSaveProvisioning, types.NewProvisioningConfig("n1", nil))
	require.NoError(t, res.Err())
	assert.Equal(t, int64(1), res.Version)
	require.NoError(t, applyCmd(t, src, opPutKeystore, keyedValue{Collection: "ca_keystores", Key: "ca", Value: []byte("ca")}).Err())
	require.NoError(t, applyCmd(t, dst, opPutClusterConfig, keyedValue{Key: "stale", Value: []byte("x")}).Err())

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	require.NoError(t, dst.Restore(io.NopCloser(&sink.Buffer)))

	_, err = dstStore.GetClusterConfig("stale")
	assert.True(t, storage.IsNotFound(err))
	data, err := dstStore.GetKeystore("ca_keystores", "ca")
	require.NoError(t, err)
	assert.Equal(t, []byte("ca"), data)
}

func TestFSMReportsFailures(t *testing.T) {
	f, _ := newFSM(t)

	res := applyCmd(t, f, "drop_everything", keyedValue{Key: "x"})
	assert.Contains(t, res.Error, "unknown command")

	require.NoError(t, applyCmd(t, f, opSaveProvisioning, types.NewProvisioningConfig("n1", nil)).Err())
	res = applyCmd(t, f, opSaveProvisioning, types.NewProvisioningConfig("n1", nil))
	assert.Equal(t, codeConflict, res.Code)
	assert.True(t, errors.Is(res.Err(), storage.ErrConflict))

	bad := f.Apply(&raft.Log{Data: []byte("{")}).(*ApplyResult)
	assert.NotEmpty(t, bad.Error)
}
