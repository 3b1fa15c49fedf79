package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// Headers carried by signed cluster requests
const (
	HeaderSigner    = "X-Certwarden-Signer"
	HeaderTimestamp = "X-Certwarden-Timestamp"
	HeaderSignature = "X-Certwarden-Signature"
)

// MaxRequestSkew is how far a signed request's timestamp may be from now
const MaxRequestSkew = 5 * time.Minute

var signingInfo = []byte("certwarden cluster request v1")

var (
	// ErrUnsignedRequest is returned when a request carries no signature headers
	ErrUnsignedRequest = errors.New("request is not signed")

	// ErrBadSignature is returned when a signature does not match the request
	ErrBadSignature = errors.New("request signature does not match")

	// ErrStaleRequest is returned when a signed timestamp is outside MaxRequestSkew
	ErrStaleRequest = errors.New("request timestamp outside the accepted window")
)

// RequestSigner authenticates cluster requests with HMAC-SHA256. The key is
// derived from the shared password secret, so only processes configured with
// the cluster's secret can sign.
type RequestSigner struct {
	secrets *SecretsManager
	now     func() time.Time
}

// NewRequestSigner creates a signer keyed by the secrets manager's password secret
func NewRequestSigner(sm *SecretsManager) *RequestSigner {
	return &RequestSigner{secrets: sm, now: time.Now}
}

func (s *RequestSigner) mac(signer, method, path, timestamp string, body []byte) ([]byte, error) {
	key := make([]byte, keyLength)
	defer memguard.WipeBytes(key)

	err := s.secrets.PasswordSecret(func(secret []byte) error {
		_, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, signingInfo), key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	h := hmac.New(sha256.New, key)
	for _, part := range []string{signer, method, path, timestamp} {
		h.Write([]byte(part))
		h.Write([]byte{'\n'})
	}
	h.Write(body)
	return h.Sum(nil), nil
}

// Sign adds the signature headers for body to req on behalf of signer
func (s *RequestSigner) Sign(req *http.Request, signer string, body []byte) error {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	sum, err := s.mac(signer, req.Method, req.URL.Path, ts, body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSigner, signer)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sum))
	return nil
}

// Verify checks the signature of r over body and returns who signed it
func (s *RequestSigner) Verify(r *http.Request, body []byte) (string, error) {
	signer := r.Header.Get(HeaderSigner)
	ts := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)
	if signer == "" || ts == "" || sig == "" {
		return "", ErrUnsignedRequest
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", ErrBadSignature
	}
	skew := s.now().Sub(time.Unix(unix, 0))
	if skew > MaxRequestSkew || skew < -MaxRequestSkew {
		return "", ErrStaleRequest
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return "", ErrBadSignature
	}
	want, err := s.mac(signer, r.Method, r.URL.Path, ts, body)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(got, want) {
		return "", ErrBadSignature
	}
	return signer, nil
}
