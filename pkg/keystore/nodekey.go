package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"time"

	"github.com/cuemby/certwarden/pkg/certutil"
)

// PlaceholderValidity is the lifetime of the self-signed certificate that
// keeps a node's private key storable before the CA has signed it.
const PlaceholderValidity = 31 * 24 * time.Hour

// NodeKeyStorage keeps a data node's private key in a keystore. Until a
// chain is installed the key is stored next to a self-signed placeholder.
type NodeKeyStorage struct {
	Storage    *Storage
	Location   Location
	Generator  *certutil.Generator
	CommonName string
}

// NewNodeKeyStorage returns key storage for the node keystore at loc
func NewNodeKeyStorage(s *Storage, loc Location, commonName string, g *certutil.Generator) *NodeKeyStorage {
	if g == nil {
		g = certutil.NewGenerator()
	}
	return &NodeKeyStorage{Storage: s, Location: loc, Generator: g, CommonName: commonName}
}

// WithPrivateKey implements certutil.PrivateKeyStorage. An existing key is
// reused; otherwise newKey creates one which is persisted before fn runs.
func (n *NodeKeyStorage) WithPrivateKey(password []byte, newKey func() (crypto.Signer, error), fn func(key crypto.Signer) error) error {
	ks, err := n.Storage.ReadKeyStore(n.Location, password, AliasDataNode)
	if err == nil {
		return ks.WithPrivateKey(fn)
	}
	if !IsNotFound(err) {
		return err
	}

	key, err := newKey()
	if err != nil {
		return err
	}
	ks, err = n.placeholder(key)
	if err != nil {
		return err
	}
	if err := n.Storage.WriteKeyStore(n.Location, ks, password); err != nil {
		return err
	}
	return fn(key)
}

// Create stores a fresh key with a placeholder certificate, replacing
// whatever is stored at the location.
func (n *NodeKeyStorage) Create(password []byte) (*KeyStore, error) {
	key, err := n.Generator.GenerateKey()
	if err != nil {
		return nil, err
	}
	ks, err := n.placeholder(key)
	if err != nil {
		return nil, err
	}
	if err := n.Storage.WriteKeyStore(n.Location, ks, password); err != nil {
		return nil, err
	}
	return ks, nil
}

func (n *NodeKeyStorage) placeholder(key crypto.Signer) (*KeyStore, error) {
	cn := n.CommonName
	if cn == "" {
		cn = AliasDataNode
	}
	kp, err := n.Generator.Certify(key, certutil.SelfSigned(cn).Validity(PlaceholderValidity))
	if err != nil {
		return nil, err
	}
	return FromKeyPair(AliasDataNode, kp)
}

// InstallChain replaces the placeholder (or a previous chain) with a chain
// signed by the CA. Installing the chain that is already stored is a no-op
// and reports changed=false.
func (n *NodeKeyStorage) InstallChain(password []byte, chain []*x509.Certificate) (changed bool, err error) {
	if len(chain) == 0 {
		return false, errors.New("empty certificate chain")
	}
	ks, err := n.Storage.ReadKeyStore(n.Location, password, AliasDataNode)
	if err != nil {
		return false, err
	}
	if ks.SameChain(chain) {
		return false, nil
	}
	updated, err := ks.WithChain(chain)
	if err != nil {
		return false, storageErr("install chain", n.Location, err)
	}
	if err := n.Storage.WriteKeyStore(n.Location, updated, password); err != nil {
		return false, err
	}
	return true, nil
}

// Load reads the node keystore
func (n *NodeKeyStorage) Load(password []byte) (*KeyStore, error) {
	return n.Storage.ReadKeyStore(n.Location, password, AliasDataNode)
}
