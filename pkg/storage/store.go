package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/certwarden/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a provisioning record was modified concurrently
	ErrConflict = errors.New("version conflict")
)

// Well-known cluster config documents
const (
	KeyRenewalPolicy   = "renewal_policy"
	KeyPreflightResult = "preflight_result"
)

// Keystore collections
const (
	CollectionDataNodeKeystores = "datanode_keystores"
)

// Store defines the interface for cluster state storage.
// BoltStore implements it locally; the manager implements it on top of raft.
type Store interface {
	// Data nodes
	SaveDataNode(node *types.DataNode) error
	GetDataNode(id string) (*types.DataNode, error)
	ListDataNodes() ([]*types.DataNode, error)
	DeleteDataNode(id string) error

	// Provisioning records. SaveProvisioning is a compare-and-set on
	// cfg.Version and bumps the version on success.
	GetProvisioning(nodeID string) (*types.ProvisioningConfig, error)
	ListProvisioning() ([]*types.ProvisioningConfig, error)
	SaveProvisioning(cfg *types.ProvisioningConfig) error
	DeleteProvisioning(nodeID string) error

	// Cluster-wide config documents
	GetClusterConfig(key string) ([]byte, error)
	PutClusterConfig(key string, value []byte) error
	DeleteClusterConfig(key string) error

	// Keystores, grouped by collection
	GetKeystore(collection, key string) ([]byte, error)
	PutKeystore(collection, key string, data []byte) error
	DeleteKeystore(collection, key string) error
	ListKeystores(collection string) ([]string, error)

	// Legacy single-document keystores awaiting migration
	GetLegacyKeystore(nodeID string) ([]byte, error)
	ListLegacyKeystores() ([]string, error)
	PutLegacyKeystore(nodeID string, data []byte) error
	DeleteLegacyKeystore(nodeID string) error

	// Notifications
	SaveNotification(n *types.Notification) error
	GetNotification(typ types.NotificationType, key string) (*types.Notification, error)
	ListNotifications() ([]*types.Notification, error)
	DeleteNotification(typ types.NotificationType, key string) error

	// Cluster event outbox
	AppendEvent(evt *types.ClusterEvent) (uint64, error)
	ListEventsSince(seq uint64, limit int) ([]*types.ClusterEvent, error)
	LastEventSeq() (uint64, error)
	PruneEvents(before time.Time) (int, error)

	// Cluster members
	SaveMember(member *types.ClusterMember) error
	GetMember(nodeID string) (*types.ClusterMember, error)
	ListMembers() ([]*types.ClusterMember, error)
	DeleteMember(nodeID string) error

	// Utility
	Close() error
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

const maxUpdateAttempts = 3

// UpdateProvisioning performs an atomic read-modify-write of a provisioning
// record, retrying when another writer won the race. fn must be safe to call
// more than once. Returning ErrNoChange from fn skips the write.
func UpdateProvisioning(s Store, nodeID string, fn func(cfg *types.ProvisioningConfig) error) (*types.ProvisioningConfig, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cfg, err := s.GetProvisioning(nodeID)
		if err != nil {
			return nil, err
		}
		if err := fn(cfg); err != nil {
			if errors.Is(err, ErrNoChange) {
				return cfg, nil
			}
			return nil, err
		}
		cfg.UpdatedAt = time.Now().UTC()
		err = s.SaveProvisioning(cfg)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update provisioning %s: %w", nodeID, lastErr)
}

// ErrNoChange lets an UpdateProvisioning callback skip the write
var ErrNoChange = errors.New("no change")
