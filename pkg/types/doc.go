/*
Package types defines the persisted data model shared by every certwarden
component: provisioning records, the data-node registry, the renewal policy and
the provisioning state graph.

# Provisioning states

A data node moves through the following pipeline. ERROR is reachable from every
state that performs work and is left only by an operator reset to CONFIGURED.

	UNCONFIGURED -> CONFIGURED -> CSR -> SIGNED -> STORED -> STARTUP_PREPARED
	                    ^                                          |
	                    |                                          v
	                  ERROR        CONNECTED <- CONNECTING <- STARTUP_REQUESTED <- STARTUP_TRIGGER
	                                   |
	                                   v
	                                RENEWAL -> CSR

ProvisioningState.CanTransition encodes the graph. ProvisioningConfig.Transition
applies it and returns a *ProvisioningStateError for edges outside the graph;
callers log the error and leave the record untouched.

# Durations

RenewalPolicy.CertificateLifetime is an ISO-8601 duration ("P30D") on the wire
and in YAML, and a time.Duration in code via Duration.Std.
*/
package types
