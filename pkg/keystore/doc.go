/*
Package keystore holds PKCS#12 keystores and truststores and the places they
are kept.

# Keystores

A KeyStore is a single private-key entry with its certificate chain, leaf
first. The private key is sealed in a memguard enclave as soon as the
keystore is built and is only decrypted inside WithPrivateKey callbacks:

	ks, err := keystore.FromKeyPair(keystore.AliasDataNode, kp, caCert)
	if err != nil {
		return err
	}
	err = ks.WithPrivateKey(func(key crypto.Signer) error {
		// key is only valid inside the callback
		return sign(key)
	})

New refuses a chain whose first certificate does not belong to the key.
Printing or marshaling a Password yields "[REDACTED]".

## PKCS#12

Encode writes the modern PKCS#12 profile (AES-256 and PBKDF2). Decode accepts
a container with exactly one private key and tells apart the ways it can
fail:

  - ErrWrongPassword: the MAC does not verify
  - ErrNoPrivateKey: the container holds certificates only
  - ErrMultipleKeys: the container holds more than one key
  - anything else: the file is damaged or not PKCS#12

The key count is taken from the decoded bags, never from library error text.

## Truststores

A Truststore carries certificates only. It is what clients download to trust
the cluster CA, encoded as a Java-compatible PKCS#12 trust store with the
first certificate under the alias "ca".

# Locations

Keystores live at a Location:

	FileLocation{Path}             local disk, temp file + rename, mode 0600
	StoreLocation{Collection, Key} replicated cluster store, encrypted

Storage routes each Location to its Backend. ClusterStorage encrypts the
encoded container with the process password secret (see
security.SecretsManager) before writing it, so a store-backed keystore is
protected twice: by its own PKCS#12 password and by the cluster secret.

	keystores := keystore.NewStorage(keystore.FileStorage{}, keystore.NewClusterStorage(store, secrets))
	ks, err := keystores.ReadKeyStore(keystore.NodeLocation(nodeID), password, keystore.AliasDataNode)
	if keystore.IsNotFound(err) {
		// nothing stored yet
	}

Read and write failures come back as *KeyStoreStorageError naming the
operation and location. Only ErrNotFound means nothing is stored; a keystore
that exists but cannot be read is never reported as absent.

# Node Keys

NodeKeyStorage implements certutil.PrivateKeyStorage for data nodes. Before
the CA signs a node's request the key is stored next to a short-lived
self-signed placeholder certificate; InstallChain swaps in the signed chain
and reports whether anything changed, so reinstalling the same chain is a
no-op.

# Migration

The Migrator moves keystores from the legacy per-node documents into the
datanode_keystores collection exactly once per node:

	legacy signed chain   -> MIGRATED
	legacy unusable       -> REGENERATED (fresh key, legacy copy dropped)
	target already exists -> ALREADY_MIGRATED
	nothing to migrate    -> NOT_NEEDED

Each result is recorded in the cluster config so a restart does not repeat
the work. DryRun reports what would happen without writing.
*/
package keystore
