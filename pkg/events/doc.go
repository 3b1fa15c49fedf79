/*
Package events carries cluster events between the server and data nodes.

Events are never sent point to point. A publisher appends an entry to the
replicated cluster_events outbox through a Bus; every process runs a Relay
that polls the outbox and hands decoded events to its local Broker, which
fans them out to in-process subscribers.

	Bus.Publish ──► raft ──► cluster_events (seq 1, 2, 3 ...)
	                              │
	              Relay (every process, 500ms poll)
	                              │
	                           Broker ──► provisioning, ca listeners

# Event Types

	certificate.signing_request          CertificateSigningRequest{node_id, csr}
	certificate.signed                   CertificateSigned{node_id, certificate_chain}
	datanode.provisioning_state_changed  ProvisioningStateChanged{node_id, from, state}
	datanode.lifecycle                   DataNodeLifecycle{node_id, trigger}
	ca.changed                           CertificateAuthorityChanged{fingerprint}

# Delivery

Delivery is at least once and unordered across nodes. Subscribers whose
buffer is full miss events, and a relay only starts from the outbox head,
so every handler must be idempotent and the periodic tasks re-derive the
same work from persisted provisioning records.
*/
package events
