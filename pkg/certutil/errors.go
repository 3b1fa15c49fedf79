package certutil

import "fmt"

// GenerationError reports a failed key-pair or certificate generation
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("certificate generation failed: %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// SigningError reports a malformed CSR, an issuer mismatch or an invalid validity
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("CSR signing failed: %s: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

func generationErr(op string, err error) error {
	return &GenerationError{Op: op, Err: err}
}

func signingErr(op string, err error) error {
	return &SigningError{Op: op, Err: err}
}
