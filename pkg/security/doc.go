/*
Package security provides value encryption, request signing and TLS helpers
for certwarden.

# Value Encryption

SecretsManager encrypts documents stored in the cluster store, most notably
keystores. The process-wide password secret is held in a memguard enclave and
never used as a key directly: every value gets a random salt and its own
AES-256 key derived with HKDF-SHA256.

	ciphertext layout: salt (16) || nonce (12) || AES-256-GCM sealed data
	document form:     {"encrypted_value": "<base64 ciphertext>"}

All nodes of a cluster must share the same password secret, otherwise they
cannot read each other's keystores.

# Request Signing

RequestSigner authenticates calls between cluster processes. The HMAC key is
derived with HKDF-SHA256 from the same password secret, so only processes
configured with the cluster's secret can sign. A signature covers the signer
name, method, path and timestamp, followed by the body:

	X-Certwarden-Signer:    server-2
	X-Certwarden-Timestamp: 1760600000
	X-Certwarden-Signature: hex(HMAC-SHA256(key, signer\nmethod\npath\ntimestamp\nbody))

Verify rejects unsigned requests, mismatched signatures and timestamps more
than MaxRequestSkew away from the local clock, and returns the signer name
for the caller to authorize.

# TLS Helpers

TLSCertificate, ServerTLSConfig and ClientTLSConfig turn keystore material
into crypto/tls configuration. Data nodes serve their health endpoint with
the signed node certificate; the server connects trusting only the active CA.

VerifyChain checks a signed chain against its own root before a data node
installs it. DescribeKeyUsage renders key usage bits for the API and CLI.
*/
package security
