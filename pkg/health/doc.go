/*
Package health probes data node endpoints.

HTTPSChecker and TCPChecker run a single check. WaitUntilHealthy repeats a
check on a fixed schedule with retry-go until it passes:

	checker, err := health.NewHTTPSChecker("https://node-1:8999/health", caPool)
	if err != nil {
		return err
	}
	_, err = health.WaitUntilHealthy(ctx, checker, health.DataNodeRetryPolicy(), logger)

HTTPS checks trust only the pool they are given, so a node passes only when
it presents a certificate issued by the cluster CA for its own hostname.
*/
package health
