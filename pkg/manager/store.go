package manager

import (
	"time"

	"github.com/cuemby/certwarden/pkg/types"
)

// Reads are served from the local replica.

func (m *Manager) GetDataNode(id string) (*types.DataNode, error) {
	return m.store.GetDataNode(id)
}

func (m *Manager) ListDataNodes() ([]*types.DataNode, error) {
	return m.store.ListDataNodes()
}

func (m *Manager) GetProvisioning(nodeID string) (*types.ProvisioningConfig, error) {
	return m.store.GetProvisioning(nodeID)
}

func (m *Manager) ListProvisioning() ([]*types.ProvisioningConfig, error) {
	return m.store.ListProvisioning()
}

func (m *Manager) GetClusterConfig(key string) ([]byte, error) {
	return m.store.GetClusterConfig(key)
}

func (m *Manager) GetKeystore(collection, key string) ([]byte, error) {
	return m.store.GetKeystore(collection, key)
}

func (m *Manager) ListKeystores(collection string) ([]string, error) {
	return m.store.ListKeystores(collection)
}

func (m *Manager) GetLegacyKeystore(nodeID string) ([]byte, error) {
	return m.store.GetLegacyKeystore(nodeID)
}

func (m *Manager) ListLegacyKeystores() ([]string, error) {
	return m.store.ListLegacyKeystores()
}

func (m *Manager) GetNotification(typ types.NotificationType, key string) (*types.Notification, error) {
	return m.store.GetNotification(typ, key)
}

func (m *Manager) ListNotifications() ([]*types.Notification, error) {
	return m.store.ListNotifications()
}

func (m *Manager) ListEventsSince(seq uint64, limit int) ([]*types.ClusterEvent, error) {
	return m.store.ListEventsSince(seq, limit)
}

func (m *Manager) LastEventSeq() (uint64, error) {
	return m.store.LastEventSeq()
}

func (m *Manager) GetMember(nodeID string) (*types.ClusterMember, error) {
	return m.store.GetMember(nodeID)
}

func (m *Manager) ListMembers() ([]*types.ClusterMember, error) {
	return m.store.ListMembers()
}

// Writes go through raft.

func (m *Manager) SaveDataNode(node *types.DataNode) error {
	_, err := m.write(opSaveDataNode, node)
	return err
}

func (m *Manager) DeleteDataNode(id string) error {
	return m.writeKey(opDeleteDataNode, "", id, nil)
}

// SaveProvisioning is a compare-and-set on cfg.Version, decided by the FSM
// on every replica in log order.
func (m *Manager) SaveProvisioning(cfg *types.ProvisioningConfig) error {
	res, err := m.write(opSaveProvisioning, cfg)
	if err != nil {
		return err
	}
	cfg.Version = res.Version
	return nil
}

func (m *Manager) DeleteProvisioning(nodeID string) error {
	return m.writeKey(opDeleteProvisioning, "", nodeID, nil)
}

func (m *Manager) PutClusterConfig(key string, value []byte) error {
	return m.writeKey(opPutClusterConfig, "", key, value)
}

func (m *Manager) DeleteClusterConfig(key string) error {
	return m.writeKey(opDeleteClusterConfig, "", key, nil)
}

func (m *Manager) PutKeystore(collection, key string, data []byte) error {
	return m.writeKey(opPutKeystore, collection, key, data)
}

func (m *Manager) DeleteKeystore(collection, key string) error {
	return m.writeKey(opDeleteKeystore, collection, key, nil)
}

func (m *Manager) PutLegacyKeystore(nodeID string, data []byte) error {
	return m.writeKey(opPutLegacyKeystore, "", nodeID, data)
}

func (m *Manager) DeleteLegacyKeystore(nodeID string) error {
	return m.writeKey(opDeleteLegacyKeystore, "", nodeID, nil)
}

func (m *Manager) SaveNotification(n *types.Notification) error {
	_, err := m.write(opSaveNotification, n)
	return err
}

func (m *Manager) DeleteNotification(typ types.NotificationType, key string) error {
	_, err := m.write(opDeleteNotification, notificationRef{Type: typ, Key: key})
	return err
}

// AppendEvent adds evt to the replicated outbox and returns its sequence
func (m *Manager) AppendEvent(evt *types.ClusterEvent) (uint64, error) {
	res, err := m.write(opAppendEvent, evt)
	if err != nil {
		return 0, err
	}
	evt.Seq = res.Seq
	return res.Seq, nil
}

func (m *Manager) PruneEvents(before time.Time) (int, error) {
	res, err := m.write(opPruneEvents, before)
	if err != nil {
		return 0, err
	}
	return res.Removed, nil
}

func (m *Manager) SaveMember(member *types.ClusterMember) error {
	_, err := m.write(opSaveMember, member)
	return err
}

func (m *Manager) DeleteMember(nodeID string) error {
	return m.writeKey(opDeleteMember, "", nodeID, nil)
}

// Close shuts the manager down
func (m *Manager) Close() error {
	return m.Shutdown()
}
