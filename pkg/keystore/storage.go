package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/storage"
)

// Backend reads and writes encoded keystores at one kind of location
type Backend interface {
	ReadBytes(loc Location) ([]byte, error)
	WriteBytes(loc Location, data []byte) error
	Delete(loc Location) error
}

// FileStorage keeps keystores as files on local disk
type FileStorage struct{}

func fileLocation(loc Location) (FileLocation, error) {
	fl, ok := loc.(FileLocation)
	if !ok {
		return FileLocation{}, fmt.Errorf("file storage cannot handle %s", loc)
	}
	if fl.Path == "" {
		return FileLocation{}, errors.New("empty keystore path")
	}
	return fl, nil
}

func (FileStorage) ReadBytes(loc Location) ([]byte, error) {
	fl, err := fileLocation(loc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fl.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// WriteBytes writes through a temp file and rename so readers never see a partial keystore
func (FileStorage) WriteBytes(loc Location, data []byte) error {
	fl, err := fileLocation(loc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fl.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fl.Path)
}

func (FileStorage) Delete(loc Location) error {
	fl, err := fileLocation(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(fl.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ClusterStorage keeps keystores in the replicated cluster store, encrypted
// at rest with the value-encryption service.
type ClusterStorage struct {
	store   storage.Store
	secrets *security.SecretsManager
}

// NewClusterStorage creates a ClusterStorage
func NewClusterStorage(store storage.Store, secrets *security.SecretsManager) *ClusterStorage {
	return &ClusterStorage{store: store, secrets: secrets}
}

func storeLocation(loc Location) (StoreLocation, error) {
	sl, ok := loc.(StoreLocation)
	if !ok {
		return StoreLocation{}, fmt.Errorf("cluster storage cannot handle %s", loc)
	}
	if sl.Collection == "" || sl.Key == "" {
		return StoreLocation{}, errors.New("store location needs a collection and a key")
	}
	return sl, nil
}

func (c *ClusterStorage) ReadBytes(loc Location) ([]byte, error) {
	sl, err := storeLocation(loc)
	if err != nil {
		return nil, err
	}
	doc, err := c.store.GetKeystore(sl.Collection, sl.Key)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.secrets.DecryptValue(doc)
}

func (c *ClusterStorage) WriteBytes(loc Location, data []byte) error {
	sl, err := storeLocation(loc)
	if err != nil {
		return err
	}
	doc, err := c.secrets.EncryptValue(data)
	if err != nil {
		return err
	}
	return c.store.PutKeystore(sl.Collection, sl.Key, doc)
}

func (c *ClusterStorage) Delete(loc Location) error {
	sl, err := storeLocation(loc)
	if err != nil {
		return err
	}
	return c.store.DeleteKeystore(sl.Collection, sl.Key)
}

// Storage reads and writes PKCS#12 keystores at file or store locations
type Storage struct {
	files   Backend
	cluster Backend
}

// NewStorage dispatches FileLocations to files and StoreLocations to cluster.
// Either backend may be nil when that kind of location is not used.
func NewStorage(files, cluster Backend) *Storage {
	return &Storage{files: files, cluster: cluster}
}

func (s *Storage) backend(loc Location) (Backend, error) {
	var b Backend
	switch loc.(type) {
	case FileLocation:
		b = s.files
	case StoreLocation:
		b = s.cluster
	}
	if b == nil {
		return nil, fmt.Errorf("no storage configured for %s", loc)
	}
	return b, nil
}

// ReadKeyStore loads the keystore at loc. A missing keystore is reported as a
// KeyStoreStorageError wrapping ErrNotFound.
func (s *Storage) ReadKeyStore(loc Location, password []byte, alias string) (*KeyStore, error) {
	b, err := s.backend(loc)
	if err != nil {
		return nil, storageErr("read", loc, err)
	}
	data, err := b.ReadBytes(loc)
	if err != nil {
		return nil, storageErr("read", loc, err)
	}
	ks, err := Decode(data, password, alias)
	if err != nil {
		return nil, storageErr("decode", loc, err)
	}
	return ks, nil
}

// Exists reports whether a keystore is stored at loc without decoding it
func (s *Storage) Exists(loc Location) (bool, error) {
	b, err := s.backend(loc)
	if err != nil {
		return false, storageErr("read", loc, err)
	}
	_, err = b.ReadBytes(loc)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, storageErr("read", loc, err)
	}
}

// WriteKeyStore encodes ks with password and stores it at loc
func (s *Storage) WriteKeyStore(loc Location, ks *KeyStore, password []byte) error {
	b, err := s.backend(loc)
	if err != nil {
		return storageErr("write", loc, err)
	}
	data, err := ks.Encode(password)
	if err != nil {
		return storageErr("encode", loc, err)
	}
	if err := b.WriteBytes(loc, data); err != nil {
		return storageErr("write", loc, err)
	}
	return nil
}

// WriteEncodedKeyStore decodes a PKCS#12 container with readPassword and
// stores it at loc re-encrypted with writePassword.
func (s *Storage) WriteEncodedKeyStore(loc Location, data, readPassword, writePassword []byte, alias string) error {
	ks, err := Decode(data, readPassword, alias)
	if err != nil {
		return storageErr("decode", loc, err)
	}
	return s.WriteKeyStore(loc, ks, writePassword)
}

// DeleteKeyStore removes the keystore at loc; a missing keystore is not an error
func (s *Storage) DeleteKeyStore(loc Location) error {
	b, err := s.backend(loc)
	if err != nil {
		return storageErr("delete", loc, err)
	}
	if err := b.Delete(loc); err != nil {
		return storageErr("delete", loc, err)
	}
	return nil
}
