package keystore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by KeyStoreStorageError when nothing is stored at a location
	ErrNotFound = errors.New("keystore not found")

	// ErrWrongPassword is wrapped when a keystore cannot be decrypted
	ErrWrongPassword = errors.New("keystore password incorrect")
)

// KeyStoreStorageError reports an unreadable or unwritable keystore
type KeyStoreStorageError struct {
	Op       string
	Location Location
	Err      error
}

func (e *KeyStoreStorageError) Error() string {
	return fmt.Sprintf("keystore %s at %s: %v", e.Op, e.Location, e.Err)
}

func (e *KeyStoreStorageError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a clean "nothing stored" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func storageErr(op string, loc Location, err error) error {
	return &KeyStoreStorageError{Op: op, Location: loc, Err: err}
}
