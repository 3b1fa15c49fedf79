/*
Package manager replicates the cluster state with Raft.

Every certwarden process runs a Manager. Servers are raft voters; data nodes
join as non-voters so they hold a full read replica without taking part in
elections. The Manager implements storage.Store, so the CA service, the
provisioning periodicals and the event outbox work against it exactly as they
would against a local BoltStore.

# Writes

Each Store write becomes one Command in the raft log. The FSM applies it to
the local BoltStore on every member, in log order, which makes the
provisioning compare-and-set a cluster-wide decision:

	leader:    Store write -> raft.Apply -> FSM -> BoltStore
	follower:  Store write -> POST /v1/cluster/apply on the leader -> wait for local apply

The leader's API address is looked up in the replicated member registry.
Forwarded writes are retried with backoff while leadership moves. A command
rejected by the FSM, such as a stale provisioning version, comes back in the
ApplyResult and is rebuilt into the matching storage sentinel.

# Membership

The first server calls Bootstrap. Others call Join with a token issued by the
leader:

	token, _ := leader.GenerateJoinToken(manager.RoleDataNode)
	err := node.Join(ctx, "10.0.0.1:8080", token.Token)

Tokens live in the issuing leader's memory and expire after DefaultTokenTTL.
A node restarting with existing raft state skips the join and only refreshes
its member record.

# Snapshots

FSM snapshots are a JSON copy of every bucket (storage.Snapshot). Restore
replaces the local database wholesale.
*/
package manager
