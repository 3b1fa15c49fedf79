/*
Package provisioning moves data nodes through the certificate lifecycle,
from first contact to a node serving TLS with a certificate from the
cluster CA.

Each node owns one ProvisioningConfig record. Two periodicals advance it,
and each only acts on the states it is responsible for:

	node agent                               server periodical (leader)
	──────────                               ──────────────────────────
	                  UNCONFIGURED ──────────► CONFIGURED   (policy or operator)
	CONFIGURED ──► CSR          (key + CSR)
	                                         CSR ──► SIGNED (CA signs)
	SIGNED ──► STORED           (chain installed)
	STORED ──► STARTUP_PREPARED
	                                         STARTUP_PREPARED ──► STARTUP_TRIGGER
	STARTUP_TRIGGER ──► STARTUP_REQUESTED    (listener up)
	                                         STARTUP_REQUESTED ──► CONNECTING
	                                         CONNECTING ──► CONNECTED | ERROR

Renewal re-enters the pipeline through RENEWAL, which the agent treats like
CONFIGURED. An ERROR record stays put until an operator resets it.

# Running the Periodicals

Server nodes run a ServerPeriodical, data nodes a NodeAgent. Both tick on an
interval and stop when their context is cancelled:

	srv := provisioning.NewServerPeriodical(provisioning.ServerConfig{
		Store:        store,
		CA:           caService,
		Leadership:   manager,
		Connectivity: provisioning.NewHTTPSConnectivity(store, caService),
		Broker:       broker,
		Interval:     time.Second,
	})
	go srv.Run(ctx)

	agent := provisioning.NewNodeAgent(provisioning.AgentConfig{
		NodeID:    nodeID,
		HTTPSAddr: ":9443",
		Store:     store,
		Keystores: keystores,
		Password:  secret,
	})
	if err := agent.Prepare(); err != nil {
		return err
	}
	go agent.Run(ctx)

The server side only acts on the raft leader, and only once both a CA and a
renewal policy exist. Until then nodes wait in their current state.

# Writes

Every transition goes through a StateWriter. It re-reads the record, checks
that it is still in the expected state and writes with a compare-and-set on
the record version, so a stale tick or a replayed event can never move a
record backwards. A committed change bumps the state transition counter and
posts a ProvisioningStateChanged event.

# Events

The periodicals also listen on the local event broker. A CSR is signed as
soon as its CertificateSigningRequest event arrives and a node installs its
chain on CertificateSigned. Events only shorten the wait: the next tick
derives the same work from the records.

# Operator Actions

Admin is the facade behind the API and CLI:

  - Configure sets a node's alt names and moves it to CONFIGURED
  - GenerateAll configures every UNCONFIGURED node with its registered names
  - Reset moves a node in ERROR back to CONFIGURED
  - StartOver drops the renewal policy, the preflight result and the CA, and
    returns every record to UNCONFIGURED

StartOver keeps node keys, so the next CSR reuses them, and clears pending
renewal and provisioning notifications. A CA read from a local keystore
file stays in place.

# Connectivity

Once a node reports STARTUP_REQUESTED the leader connects to the node's
HealthListener over HTTPS, trusting only the cluster CA, and retries for up
to two minutes before giving up.
*/
package provisioning
