/*
Package ca manages the cluster certificate authority.

A Service holds the only copy of the CA private key. Callers get
certificates, signed chains and truststores; the key itself never leaves the
service and is only decrypted inside keystore.WithPrivateKey callbacks.

# CA Sources

The active CA comes from one of three places, reported by Type:

	┌──────────────┬──────────────────────────────────────────────┐
	│ Type         │ Origin                                       │
	├──────────────┼──────────────────────────────────────────────┤
	│ GENERATED    │ CreateSelfSigned, RSA root valid for 10 years│
	│ UPLOADED     │ CreateFromUpload, PEM files or one PKCS#12   │
	│ LOCAL        │ keystore file named in Config.KeystoreFile   │
	└──────────────┴──────────────────────────────────────────────┘

## Store-backed CAs

Without a KeystoreFile the CA keystore lives in the cluster store under
ca_keystores/ca, encrypted with the process password secret, and is
replicated to every server node with the rest of the state. A small metadata
record next to it remembers how the CA was created.

Activation writes the metadata first and the keystore second. When the
keystore write fails the previous metadata is put back, so a failed
CreateSelfSigned or CreateFromUpload leaves the prior CA active and its Type
unchanged.

## Local CAs

With a KeystoreFile the CA lives only in that file, protected by
Config.Password. The file is owned by the operator: Type always reports
LOCAL, and Reset leaves the file in place.

# Uploads

CreateFromUpload accepts either a set of PEM files or a single PKCS#12
container:

  - exactly one private key must be present across all parts
  - PEM certificates are ordered into a chain starting at the key's
    certificate and following issuers toward the root
  - encrypted PEM keys are refused, PKCS#12 is the way to upload a protected key
  - the first certificate must be a CA certificate

No key yields ErrNoKeyInUpload, more than one yields ErrAmbiguousUpload, and
everything else malformed wraps ErrInvalidParameter. A rejected upload never
touches the active CA.

# Signing

SignCertificateRequest signs a data node CSR. The certificate lifetime comes
from the renewal policy and the returned chain ends at the CA certificate:

	svc := ca.NewService(store, keystores, ca.Config{Password: secret}, bus)
	if _, err := svc.CreateSelfSigned(""); err != nil {
		return err
	}
	chain, err := svc.SignCertificateRequest(csr, policy)
	if err != nil {
		return err
	}
	// chain.Leaf is the node certificate, chain.CACerts its issuers

Signing duration and the number of signed certificates are exported as
metrics.

# Events

Every activation publishes a ca.changed event on the cluster bus carrying
the new fingerprint. Resetting a store-backed CA publishes one with an empty
fingerprint.

# Errors

  - ErrNoCA: an operation needs a CA and none is configured
  - ErrInvalidParameter: bad organization name or upload content
  - ErrNoKeyInUpload, ErrAmbiguousUpload: upload key count is not one

A keystore that exists but cannot be decrypted is reported as an error, not
as a missing CA, so a wrong password secret never looks like an empty
cluster.
*/
package ca
