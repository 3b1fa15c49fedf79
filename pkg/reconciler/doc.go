/*
Package reconciler repairs provisioning records that drifted out of a
consistent state.

Provisioning is driven by cluster events that are delivered at least once
and without ordering across nodes, and by compare-and-set writes that are
not grouped into transactions. A crash between two writes, or an event that
never reaches its handler, can leave a record in a state that no periodical
will move it out of. The reconciler runs on the raft leader every 10 seconds
and applies a small set of rules:

	SIGNED without a certificate chain        -> CONFIGURED (request again)
	CSR without a stored request              -> ERROR
	certificate not issued by the active CA   -> RENEWAL
	outbox events older than one hour         -> deleted

Every repair goes through provisioning.StateWriter, so it is subject to the
same transition graph and version checks as the periodicals, and is counted
in certwarden_reconciliation_fixes_total by rule.

# Usage

	r := reconciler.NewReconciler(mgr, caService, mgr, bus, 10*time.Second)
	r.Start()
	defer r.Stop()

Reconcile can be called directly, for example from tests or after a CA
change, to run a pass immediately.
*/
package reconciler
