package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/hashicorp/raft"
)

// Raft log operations. Each one maps to a single storage.Store write.
const (
	opSaveDataNode         = "save_data_node"
	opDeleteDataNode       = "delete_data_node"
	opSaveProvisioning     = "save_provisioning"
	opDeleteProvisioning   = "delete_provisioning"
	opPutClusterConfig     = "put_cluster_config"
	opDeleteClusterConfig  = "delete_cluster_config"
	opPutKeystore          = "put_keystore"
	opDeleteKeystore       = "delete_keystore"
	opPutLegacyKeystore    = "put_legacy_keystore"
	opDeleteLegacyKeystore = "delete_legacy_keystore"
	opSaveNotification     = "save_notification"
	opDeleteNotification   = "delete_notification"
	opAppendEvent          = "append_event"
	opPruneEvents          = "prune_events"
	opSaveMember           = "save_member"
	opDeleteMember         = "delete_member"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

func newCommand(op string, v interface{}) (*Command, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", op, err)
	}
	return &Command{Op: op, Data: data}, nil
}

// keyedValue addresses a blob in a keyed bucket or keystore collection
type keyedValue struct {
	Collection string `json:"collection,omitempty"`
	Key        string `json:"key"`
	Value      []byte `json:"value,omitempty"`
}

type notificationRef struct {
	Type types.NotificationType `json:"type"`
	Key  string                 `json:"key"`
}

// Result codes carried across the forwarding hop
const (
	codeConflict = "conflict"
	codeNotFound = "not_found"
)

// ApplyResult is what the FSM returns for a committed command. It is also the
// response body of a forwarded write.
type ApplyResult struct {
	Index   uint64 `json:"index,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Version int64  `json:"version,omitempty"`
	Removed int    `json:"removed,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func failed(err error) *ApplyResult {
	res := &ApplyResult{Error: err.Error()}
	switch {
	case errors.Is(err, storage.ErrConflict):
		res.Code = codeConflict
	case errors.Is(err, storage.ErrNotFound):
		res.Code = codeNotFound
	}
	return res
}

// Err rebuilds the error a command failed with, keeping storage sentinels
// matchable with errors.Is on the caller's side of a forwarded write.
func (r *ApplyResult) Err() error {
	if r == nil || r.Error == "" {
		return nil
	}
	switch r.Code {
	case codeConflict:
		return fmt.Errorf("%s: %w", r.Error, storage.ErrConflict)
	case codeNotFound:
		return fmt.Errorf("%s: %w", r.Error, storage.ErrNotFound)
	}
	return errors.New(r.Error)
}

// FSM applies committed commands to the local BoltStore. Every node, voter or
// not, holds a full replica.
type FSM struct {
	mu    sync.RWMutex
	store *storage.BoltStore
}

// NewFSM creates a new FSM instance
func NewFSM(store *storage.BoltStore) *FSM {
	return &FSM{store: store}
}

// Apply applies a Raft log entry to the FSM. It always returns an *ApplyResult.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return failed(fmt.Errorf("failed to unmarshal command: %w", err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	res, err := f.apply(&cmd)
	if err != nil {
		return failed(err)
	}
	return res
}

func (f *FSM) apply(cmd *Command) (*ApplyResult, error) {
	done := &ApplyResult{}

	switch cmd.Op {
	case opSaveDataNode:
		var node types.DataNode
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return nil, err
		}
		return done, f.store.SaveDataNode(&node)

	case opSaveProvisioning:
		var cfg types.ProvisioningConfig
		if err := json.Unmarshal(cmd.Data, &cfg); err != nil {
			return nil, err
		}
		if err := f.store.SaveProvisioning(&cfg); err != nil {
			return nil, err
		}
		return &ApplyResult{Version: cfg.Version}, nil

	case opSaveNotification:
		var n types.Notification
		if err := json.Unmarshal(cmd.Data, &n); err != nil {
			return nil, err
		}
		return done, f.store.SaveNotification(&n)

	case opDeleteNotification:
		var ref notificationRef
		if err := json.Unmarshal(cmd.Data, &ref); err != nil {
			return nil, err
		}
		return done, f.store.DeleteNotification(ref.Type, ref.Key)

	case opAppendEvent:
		var evt types.ClusterEvent
		if err := json.Unmarshal(cmd.Data, &evt); err != nil {
			return nil, err
		}
		seq, err := f.store.AppendEvent(&evt)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Seq: seq}, nil

	case opPruneEvents:
		var before time.Time
		if err := json.Unmarshal(cmd.Data, &before); err != nil {
			return nil, err
		}
		removed, err := f.store.PruneEvents(before)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Removed: removed}, nil

	case opSaveMember:
		var member types.ClusterMember
		if err := json.Unmarshal(cmd.Data, &member); err != nil {
			return nil, err
		}
		return done, f.store.SaveMember(&member)
	}

	var kv keyedValue
	if err := json.Unmarshal(cmd.Data, &kv); err != nil {
		return nil, err
	}

	switch cmd.Op {
	case opDeleteDataNode:
		return done, f.store.DeleteDataNode(kv.Key)
	case opDeleteProvisioning:
		return done, f.store.DeleteProvisioning(kv.Key)
	case opPutClusterConfig:
		return done, f.store.PutClusterConfig(kv.Key, kv.Value)
	case opDeleteClusterConfig:
		return done, f.store.DeleteClusterConfig(kv.Key)
	case opPutKeystore:
		return done, f.store.PutKeystore(kv.Collection, kv.Key, kv.Value)
	case opDeleteKeystore:
		return done, f.store.DeleteKeystore(kv.Collection, kv.Key)
	case opPutLegacyKeystore:
		return done, f.store.PutLegacyKeystore(kv.Key, kv.Value)
	case opDeleteLegacyKeystore:
		return done, f.store.DeleteLegacyKeystore(kv.Key)
	case opDeleteMember:
		return done, f.store.DeleteMember(kv.Key)
	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap, err := f.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{snap: snap}, nil
}

// Restore replaces the local replica with a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Restore(&snap)
}

type fsmSnapshot struct {
	snap *storage.Snapshot
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

func (s *fsmSnapshot) Release() {}
