/*
Package metrics defines the Prometheus metrics of certwarden.

All collectors are package globals registered with the default registry at
init, so any package can update them without plumbing and Handler exposes
them on /metrics.

# Metrics Catalog

CA:

	certwarden_certificates_signed_total           counter
	certwarden_ca_sign_duration_seconds            histogram
	certwarden_ca_expiry_timestamp_seconds         gauge, 0 without a CA

Provisioning:

	certwarden_provisioning_nodes{state}           gauge, sampled
	certwarden_provisioning_tick_duration_seconds  histogram
	certwarden_state_transitions_total{from,to}    counter

Renewal and reconciliation:

	certwarden_renewal_checks_total{result}        valid|renew|notify|skipped|error
	certwarden_notifications_active                gauge, sampled
	certwarden_reconciliation_fixes_total{rule}    counter

Cluster:

	certwarden_raft_is_leader                      gauge, sampled
	certwarden_raft_peers_total                    gauge, sampled
	certwarden_raft_applied_index                  gauge, sampled
	certwarden_events_relayed_total{type}          counter
	certwarden_events_dropped_total{type}          counter

API:

	certwarden_api_requests_total{method,status}   counter
	certwarden_api_request_duration_seconds{method} histogram

# Collector

Gauges marked as sampled are set by a Collector, which reads the cluster
store every 15 seconds. Every provisioning state is written on each pass,
so a state that drained to zero nodes reports 0 instead of its last value.

	go metrics.NewCollector(mgr).Run(ctx)

# Timer

	timer := metrics.NewTimer()
	chain, err := signer.Sign(...)
	timer.ObserveDuration(metrics.CASignDuration)

Label values are always drawn from fixed sets (states, results, rule names,
HTTP methods). Node IDs never become labels.
*/
package metrics
