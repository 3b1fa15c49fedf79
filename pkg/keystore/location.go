package keystore

import "fmt"

// Location identifies where a keystore lives: a local file or an entry in the
// replicated cluster store. The set of implementations is closed.
type Location interface {
	fmt.Stringer
	isLocation()
}

// FileLocation is a keystore file on local disk
type FileLocation struct {
	Path string
}

func (FileLocation) isLocation() {}

func (l FileLocation) String() string { return "file:" + l.Path }

// StoreLocation is a keystore entry in the cluster store
type StoreLocation struct {
	Collection string
	Key        string
}

func (StoreLocation) isLocation() {}

func (l StoreLocation) String() string { return "store:" + l.Collection + "/" + l.Key }
