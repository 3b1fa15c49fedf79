package keystore

import (
	"errors"

	"github.com/awnumar/memguard"
)

const redacted = "[REDACTED]"

// Password holds a keystore password in an encrypted memguard enclave.
// It cannot be printed or serialized.
type Password struct {
	enclave *memguard.Enclave
}

// NewPassword seals a copy of pw; the caller keeps ownership of pw
func NewPassword(pw []byte) *Password {
	buf := make([]byte, len(pw))
	copy(buf, pw)
	if len(buf) == 0 {
		return &Password{}
	}
	return &Password{enclave: memguard.NewEnclave(buf)}
}

// Use opens the password for the duration of fn
func (p *Password) Use(fn func(pw []byte) error) error {
	if p == nil || p.enclave == nil {
		return fn(nil)
	}
	buf, err := p.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func (p *Password) String() string { return redacted }

func (p *Password) GoString() string { return redacted }

// MarshalJSON always fails so a password never ends up in a document
func (p *Password) MarshalJSON() ([]byte, error) {
	return nil, errors.New("keystore: refusing to serialize a password")
}
