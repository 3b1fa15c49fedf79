package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/certwarden/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDataNodes       = []byte("datanodes")
	bucketProvisioning    = []byte("provisioning")
	bucketClusterConfig   = []byte("cluster_config")
	bucketKeystores       = []byte("keystores")
	bucketLegacyKeystores = []byte("legacy_keystores")
	bucketNotifications   = []byte("notifications")
	bucketClusterEvents   = []byte("cluster_events")
	bucketMembers         = []byte("members")

	allBuckets = [][]byte{
		bucketDataNodes,
		bucketProvisioning,
		bucketClusterConfig,
		bucketKeystores,
		bucketLegacyKeystores,
		bucketNotifications,
		bucketClusterEvents,
		bucketMembers,
	}
)

// DBFileName is the database file created inside the data directory
const DBFileName = "certwarden.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// getBytes copies the value since BoltDB data is only valid during the transaction
func (s *BoltStore) getBytes(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	return out, err
}

func (s *BoltStore) putBytes(bucket []byte, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) keys(bucket []byte) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Data node operations
func (s *BoltStore) SaveDataNode(node *types.DataNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDataNodes, node.NodeID, node)
	})
}

func (s *BoltStore) GetDataNode(id string) (*types.DataNode, error) {
	var node types.DataNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketDataNodes, id, &node)
	})
	if err != nil {
		return nil, fmt.Errorf("data node %s: %w", id, err)
	}
	return &node, nil
}

func (s *BoltStore) ListDataNodes() ([]*types.DataNode, error) {
	var nodes []*types.DataNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataNodes).ForEach(func(k, v []byte) error {
			var node types.DataNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteDataNode(id string) error {
	return s.delete(bucketDataNodes, id)
}

// Provisioning operations
func (s *BoltStore) GetProvisioning(nodeID string) (*types.ProvisioningConfig, error) {
	var cfg types.ProvisioningConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketProvisioning, nodeID, &cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning record %s: %w", nodeID, err)
	}
	return &cfg, nil
}

func (s *BoltStore) ListProvisioning() ([]*types.ProvisioningConfig, error) {
	var configs []*types.ProvisioningConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProvisioning).ForEach(func(k, v []byte) error {
			var cfg types.ProvisioningConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			configs = append(configs, &cfg)
			return nil
		})
	})
	return configs, err
}

// SaveProvisioning stores cfg when its version matches the stored one.
// A new record must carry version 0.
func (s *BoltStore) SaveProvisioning(cfg *types.ProvisioningConfig) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return saveProvisioningTx(tx, cfg)
	})
	if err == nil {
		cfg.Version++
	}
	return err
}

func saveProvisioningTx(tx *bolt.Tx, cfg *types.ProvisioningConfig) error {
	var current types.ProvisioningConfig
	err := getJSON(tx, bucketProvisioning, cfg.NodeID, &current)
	switch {
	case errors.Is(err, ErrNotFound):
		if cfg.Version != 0 {
			return fmt.Errorf("provisioning record %s deleted concurrently: %w", cfg.NodeID, ErrConflict)
		}
	case err != nil:
		return err
	case current.Version != cfg.Version:
		return fmt.Errorf("provisioning record %s at version %d, write based on %d: %w",
			cfg.NodeID, current.Version, cfg.Version, ErrConflict)
	}

	stored := *cfg
	stored.Version = cfg.Version + 1
	return putJSON(tx, bucketProvisioning, cfg.NodeID, &stored)
}

func (s *BoltStore) DeleteProvisioning(nodeID string) error {
	return s.delete(bucketProvisioning, nodeID)
}

// Cluster config operations
func (s *BoltStore) GetClusterConfig(key string) ([]byte, error) {
	data, err := s.getBytes(bucketClusterConfig, key)
	if err != nil {
		return nil, fmt.Errorf("cluster config %s: %w", key, err)
	}
	return data, nil
}

func (s *BoltStore) PutClusterConfig(key string, value []byte) error {
	return s.putBytes(bucketClusterConfig, key, value)
}

func (s *BoltStore) DeleteClusterConfig(key string) error {
	return s.delete(bucketClusterConfig, key)
}

// Keystore operations. Each collection is a nested bucket under "keystores".
func (s *BoltStore) GetKeystore(collection, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeystores).Bucket([]byte(collection))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keystore %s/%s: %w", collection, key, err)
	}
	return out, nil
}

func (s *BoltStore) PutKeystore(collection, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketKeystores).CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", collection, err)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) DeleteKeystore(collection, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeystores).Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) ListKeystores(collection string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeystores).Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Legacy keystore operations
func (s *BoltStore) GetLegacyKeystore(nodeID string) ([]byte, error) {
	data, err := s.getBytes(bucketLegacyKeystores, nodeID)
	if err != nil {
		return nil, fmt.Errorf("legacy keystore %s: %w", nodeID, err)
	}
	return data, nil
}

func (s *BoltStore) ListLegacyKeystores() ([]string, error) {
	return s.keys(bucketLegacyKeystores)
}

func (s *BoltStore) PutLegacyKeystore(nodeID string, data []byte) error {
	return s.putBytes(bucketLegacyKeystores, nodeID, data)
}

func (s *BoltStore) DeleteLegacyKeystore(nodeID string) error {
	return s.delete(bucketLegacyKeystores, nodeID)
}

// Notification operations, keyed by type and key
func notificationKey(typ types.NotificationType, key string) string {
	return string(typ) + "/" + key
}

func (s *BoltStore) SaveNotification(n *types.Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketNotifications, notificationKey(n.Type, n.Key), n)
	})
}

func (s *BoltStore) GetNotification(typ types.NotificationType, key string) (*types.Notification, error) {
	var n types.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketNotifications, notificationKey(typ, key), &n)
	})
	if err != nil {
		return nil, fmt.Errorf("notification %s: %w", notificationKey(typ, key), err)
	}
	return &n, nil
}

func (s *BoltStore) ListNotifications() ([]*types.Notification, error) {
	var out []*types.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotifications).ForEach(func(k, v []byte) error {
			var n types.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteNotification(typ types.NotificationType, key string) error {
	return s.delete(bucketNotifications, notificationKey(typ, key))
}

// Cluster event operations. Keys are big-endian sequence numbers so cursor
// order equals append order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// AppendEvent assigns the next sequence number to evt and stores it
func (s *BoltStore) AppendEvent(evt *types.ClusterEvent) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusterEvents)
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		stored := *evt
		stored.Seq = next
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		seq = next
		return b.Put(seqKey(next), data)
	})
	if err != nil {
		return 0, err
	}
	evt.Seq = seq
	return seq, nil
}

// ListEventsSince returns up to limit events with a sequence greater than seq
func (s *BoltStore) ListEventsSince(seq uint64, limit int) ([]*types.ClusterEvent, error) {
	var out []*types.ClusterEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClusterEvents).Cursor()
		for k, v := c.Seek(seqKey(seq + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var evt types.ClusterEvent
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			out = append(out, &evt)
		}
		return nil
	})
	return out, err
}

// LastEventSeq returns the highest sequence number handed out so far
func (s *BoltStore) LastEventSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketClusterEvents).Sequence()
		return nil
	})
	return seq, err
}

// PruneEvents deletes events older than before and returns how many were removed
func (s *BoltStore) PruneEvents(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusterEvents)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var evt types.ClusterEvent
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			if evt.Timestamp.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Member operations
func (s *BoltStore) SaveMember(member *types.ClusterMember) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketMembers, member.NodeID, member)
	})
}

func (s *BoltStore) GetMember(nodeID string) (*types.ClusterMember, error) {
	var m types.ClusterMember
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketMembers, nodeID, &m)
	})
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", nodeID, err)
	}
	return &m, nil
}

func (s *BoltStore) ListMembers() ([]*types.ClusterMember, error) {
	var out []*types.ClusterMember
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMembers).ForEach(func(k, v []byte) error {
			var m types.ClusterMember
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteMember(nodeID string) error {
	return s.delete(bucketMembers, nodeID)
}
