package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

var (
	// ErrNotLeader is returned by leader-only operations on a follower
	ErrNotLeader = errors.New("not the raft leader")

	// ErrNoLeader is returned while no leader is known
	ErrNoLeader = errors.New("no raft leader elected")
)

// DefaultApplyTimeout bounds how long a write waits for raft
const DefaultApplyTimeout = 5 * time.Second

// Manager is a cluster member holding a raft-replicated copy of the cluster
// state. It implements storage.Store: reads are served from the local
// replica, writes are committed through raft on the leader and forwarded to
// it from followers.
type Manager struct {
	nodeID   string
	raftAddr string
	apiAddr  string
	dataDir  string
	voter    bool

	cfg          *Config
	raft         *raft.Raft
	fsm          *FSM
	store        *storage.BoltStore
	transport    raft.Transport
	tokenManager *TokenManager
	closers      []io.Closer
	hasState     bool
	applyTimeout time.Duration
	client       *http.Client
	signer       *security.RequestSigner
	logger       zerolog.Logger
}

var _ storage.Store = (*Manager)(nil)

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	RaftAddr string
	APIAddr  string
	DataDir  string

	// Voter is false for data nodes, which replicate state without voting
	Voter bool

	ApplyTimeout time.Duration

	// Signer signs writes forwarded to the leader
	Signer *security.RequestSigner

	// Optional raft plumbing. Nil values get the TCP transport, raft-boltdb
	// log and stable stores and file snapshots under DataDir.
	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	// Tune adjusts the raft configuration before raft starts
	Tune func(c *raft.Config)
}

// NewManager creates a new Manager instance. Call Start, then Bootstrap or Join.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	timeout := cfg.ApplyTimeout
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}

	return &Manager{
		nodeID:       cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		apiAddr:      cfg.APIAddr,
		dataDir:      cfg.DataDir,
		voter:        cfg.Voter,
		cfg:          cfg,
		fsm:          NewFSM(store),
		store:        store,
		tokenManager: NewTokenManager(),
		applyTimeout: timeout,
		client:       &http.Client{Timeout: 10 * time.Second},
		signer:       cfg.Signer,
		logger:       log.WithComponent("manager").With().Str("node_id", cfg.NodeID).Logger(),
	}, nil
}

// NodeID returns the raft server ID of this member
func (m *Manager) NodeID() string {
	return m.nodeID
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// LAN timeouts: failover in a few seconds rather than the WAN defaults
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	config.LogOutput = m.raftLogWriter()
	config.LogLevel = "WARN"

	if m.cfg.Tune != nil {
		m.cfg.Tune(config)
	}
	return config
}

func (m *Manager) raftLogWriter() io.Writer {
	return m.logger.With().Str("subsystem", "raft").Logger()
}

// Start creates the raft instance. It does not join or form a cluster.
func (m *Manager) Start() error {
	logs := m.raftLogWriter()

	transport := m.cfg.Transport
	if transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", m.raftAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve raft address: %w", err)
		}
		tcp, err := raft.NewTCPTransport(m.raftAddr, addr, 3, 10*time.Second, logs)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		transport = tcp
	}

	snapshots := m.cfg.SnapshotStore
	if snapshots == nil {
		fss, err := raft.NewFileSnapshotStore(m.dataDir, 2, logs)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %w", err)
		}
		snapshots = fss
	}

	logStore := m.cfg.LogStore
	if logStore == nil {
		bs, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
		if err != nil {
			return fmt.Errorf("failed to create log store: %w", err)
		}
		m.closers = append(m.closers, bs)
		logStore = bs
	}

	stableStore := m.cfg.StableStore
	if stableStore == nil {
		bs, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
		if err != nil {
			return fmt.Errorf("failed to create stable store: %w", err)
		}
		m.closers = append(m.closers, bs)
		stableStore = bs
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(m.raftConfig(), m.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	m.raft = r
	m.transport = transport
	m.hasState = hasState
	return nil
}

// HasExistingState reports whether raft found state from an earlier run
func (m *Manager) HasExistingState() bool {
	return m.hasState
}

// Bootstrap forms a new single-member cluster, unless this node already
// belongs to one, and registers the member's API address.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:      raft.ServerID(m.nodeID),
				Address: m.transport.LocalAddr(),
			}},
		}
		err := m.raft.BootstrapCluster(configuration).Error()
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		m.logger.Info().Str("raft_addr", string(m.transport.LocalAddr())).Msg("Bootstrapped new cluster")
	}

	return m.registerSelf(ctx)
}

// registerSelf records this member so followers can find the leader's API
func (m *Manager) registerSelf(ctx context.Context) error {
	if err := m.WaitForLeader(ctx); err != nil {
		return err
	}
	return m.SaveMember(&types.ClusterMember{
		NodeID:   m.nodeID,
		RaftAddr: string(m.transport.LocalAddr()),
		APIAddr:  m.apiAddr,
		Voter:    m.voter,
	})
}

// WaitForLeader blocks until a leader is known or ctx is done
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, id := m.raft.LeaderWithID(); id != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for leader: %w", ErrNoLeader)
		case <-ticker.C:
		}
	}
}

// AddMember admits a joining node. Server tokens add a voter, data node
// tokens a non-voter. Only the leader accepts members.
func (m *Manager) AddMember(req *JoinRequest) (*types.ClusterMember, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return nil, ErrNotLeader
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	token, err := m.tokenManager.ValidateToken(req.Token)
	if err != nil {
		return nil, err
	}

	id, addr := raft.ServerID(req.NodeID), raft.ServerAddress(req.RaftAddr)
	var future raft.IndexFuture
	if token.Voter() {
		future = m.raft.AddVoter(id, addr, 0, 10*time.Second)
	} else {
		future = m.raft.AddNonvoter(id, addr, 0, 10*time.Second)
	}
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to add %s %s: %w", token.Role, req.NodeID, err)
	}

	member := &types.ClusterMember{
		NodeID:   req.NodeID,
		RaftAddr: req.RaftAddr,
		APIAddr:  req.APIAddr,
		Voter:    token.Voter(),
	}
	if err := m.SaveMember(member); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("member", req.NodeID).
		Str("raft_addr", req.RaftAddr).
		Bool("voter", member.Voter).
		Msg("Member joined cluster")
	return member, nil
}

// RemoveServer removes a member from raft and from the member registry
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return ErrNotLeader
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return m.DeleteMember(nodeID)
}

// GetClusterServers returns information about all servers in the Raft cluster
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the raft address of the current leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = m.LeaderAddr()
	if servers, err := m.GetClusterServers(); err == nil {
		stats["peers"] = len(servers)
	}

	return stats
}

// GenerateJoinToken issues a token for a server or data node to join
func (m *Manager) GenerateJoinToken(role string) (*JoinToken, error) {
	if !m.IsLeader() {
		return nil, ErrNotLeader
	}
	m.tokenManager.CleanupExpiredTokens()
	return m.tokenManager.GenerateToken(role, DefaultTokenTTL)
}

// ListJoinTokens lists the tokens issued by this leader, without secrets
func (m *Manager) ListJoinTokens() []*JoinToken {
	return m.tokenManager.ListTokens()
}

// ApplyForwarded commits a write forwarded by a follower. The command's own
// failure, such as a version conflict, is carried in the result.
func (m *Manager) ApplyForwarded(cmd *Command) (*ApplyResult, error) {
	if !m.IsLeader() {
		return nil, ErrNotLeader
	}
	return m.applyLocal(cmd)
}

func (m *Manager) applyLocal(cmd *Command) (*ApplyResult, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, m.applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%s: %w", err, ErrNotLeader)
		}
		return nil, fmt.Errorf("failed to apply %s: %w", cmd.Op, err)
	}

	res, ok := future.Response().(*ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	res.Index = future.Index()
	return res, nil
}

// apply commits cmd on the leader, forwarding it when this node follows
func (m *Manager) apply(cmd *Command) (*ApplyResult, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	if m.IsLeader() {
		res, err := m.applyLocal(cmd)
		if !errors.Is(err, ErrNotLeader) {
			return res, err
		}
	}

	res, err := m.forward(cmd)
	if err != nil {
		return nil, err
	}
	m.waitApplied(res.Index)
	return res, nil
}

// waitApplied lets a follower read its own forwarded write
func (m *Manager) waitApplied(index uint64) {
	deadline := time.Now().Add(m.applyTimeout)
	for m.raft.AppliedIndex() < index {
		if time.Now().After(deadline) {
			m.logger.Debug().Uint64("index", index).Msg("Local replica behind forwarded write")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (m *Manager) write(op string, v interface{}) (*ApplyResult, error) {
	cmd, err := newCommand(op, v)
	if err != nil {
		return nil, err
	}
	res, err := m.apply(cmd)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Manager) writeKey(op, collection, key string, value []byte) error {
	_, err := m.write(op, keyedValue{Collection: collection, Key: key, Value: value})
	return err
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close raft store")
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
