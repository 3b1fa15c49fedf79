/*
Package storage provides BoltDB-backed persistence for certwarden's cluster state.

BoltStore keeps one bucket per record family, JSON encoded:

	datanodes          node ID          -> types.DataNode
	provisioning       node ID          -> types.ProvisioningConfig (versioned)
	cluster_config     document key     -> raw bytes (renewal policy, preflight, CA blob)
	keystores/<coll>   key              -> encrypted keystore bytes
	legacy_keystores   node ID          -> pre-migration keystore documents
	notifications      type "/" key     -> types.Notification
	cluster_events     big-endian seq   -> types.ClusterEvent
	members            node ID          -> types.ClusterMember

On servers the BoltStore is the state machine behind raft: the manager package
routes every write through the raft log and applies it here, so all nodes hold
the same content. Snapshot and Restore copy the full database for raft
snapshots.

# Provisioning records

SaveProvisioning is a compare-and-set on the record version. UpdateProvisioning
wraps the read-modify-write cycle and retries on ErrConflict:

	cfg, err := storage.UpdateProvisioning(store, nodeID, func(cfg *types.ProvisioningConfig) error {
		return cfg.Transition(types.StateCSR, "")
	})

Missing records are reported with errors wrapping ErrNotFound.
*/
package storage
