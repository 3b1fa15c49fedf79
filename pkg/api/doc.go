/*
Package api serves the operator and cluster HTTP API of a certwarden server.

Routes are mounted on a chi router. Every request gets a request ID, panics
are recovered and the instrument middleware records request counts and
latency in the api_* metrics.

# Routes

	GET    /health                              liveness
	GET    /ready                               raft, storage and CA checks
	GET    /metrics                             Prometheus exposition

	GET    /v1/ca                               active CA info
	POST   /v1/ca/create                        self-signed CA {"organization"}
	POST   /v1/ca/upload                        multipart "files" + "password"
	GET    /v1/ca/certificate                   CA certificate as PEM
	GET    /v1/ca/truststore?password=...       PKCS#12 truststore

	GET    /v1/renewal_policy                   404 until set
	PUT    /v1/renewal_policy                   {"mode","certificate_lifetime"}
	GET    /v1/preflight
	PUT    /v1/preflight                        {"result"}

	GET    /v1/provisioning                     all records, by node ID
	POST   /v1/provisioning/generate            configure every waiting node
	GET    /v1/provisioning/{nodeID}
	POST   /v1/provisioning/{nodeID}/configure  {"alt_names"}
	POST   /v1/provisioning/{nodeID}/reset      ERROR -> CONFIGURED
	DELETE /v1/startOver                        drop CA, policy and preflight

	GET    /v1/notifications

	POST   /v1/cluster/tokens                   {"role": "server"|"datanode"}, signed
	POST   /v1/cluster/join                     raft membership, rate limited per client
	POST   /v1/cluster/apply                    writes forwarded by followers, signed by a member

# Cluster Authentication

Token creation and forwarded writes must be signed with security.RequestSigner,
whose HMAC key is derived from the shared password secret. A forwarded write
must also be signed by a registered cluster member. Joining is admitted by the
join token alone.

Durations use ISO-8601 (P30D, PT12H). Certificate lifetimes below one hour
are rejected.

# Errors

Errors are returned as {"error": "..."} with the status picked by mapError:

	400  invalid parameter, ambiguous upload, wrong keystore password
	401  invalid or expired join token, missing or bad request signature
	403  signed by a node that is not a cluster member
	404  unknown record, no CA
	409  record moved concurrently, transition not allowed
	429  too many join attempts from one address
	503  not the leader, no leader, dependency not wired

A route whose dependency was not passed in Config always answers 503, so a
server started without a CA still serves /health and the cluster routes.
*/
package api
