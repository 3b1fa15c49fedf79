package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLength  = 32 // AES-256
	saltLength = 16

	// MinPasswordSecretLength is the shortest accepted password_secret
	MinPasswordSecretLength = 16
)

var hkdfInfo = []byte("certwarden encrypted value v1")

// SecretsManager encrypts values at rest with AES-256-GCM. Every value gets a
// fresh salt; the AES key is derived from the process password secret and
// that salt with HKDF-SHA256.
type SecretsManager struct {
	secret *memguard.Enclave
}

// NewSecretsManagerFromPassword creates a secrets manager from the shared
// password secret. The secret is kept in an encrypted memguard enclave.
func NewSecretsManagerFromPassword(passwordSecret string) (*SecretsManager, error) {
	if len(passwordSecret) < MinPasswordSecretLength {
		return nil, fmt.Errorf("password secret must be at least %d characters", MinPasswordSecretLength)
	}

	return &SecretsManager{
		secret: memguard.NewEnclave([]byte(passwordSecret)),
	}, nil
}

func (sm *SecretsManager) deriveKey(salt []byte) ([]byte, error) {
	buf, err := sm.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open password secret: %w", err)
	}
	defer buf.Destroy()

	h := hkdf.New(sha256.New, buf.Bytes(), salt, hkdfInfo)
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptSecret encrypts plaintext data using AES-256-GCM.
// Output layout: salt || nonce || ciphertext.
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := sm.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltLength+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// DecryptSecret decrypts data encrypted with EncryptSecret
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}
	if len(ciphertext) < saltLength {
		return nil, fmt.Errorf("ciphertext too short")
	}

	salt, rest := ciphertext[:saltLength], ciphertext[saltLength:]
	key, err := sm.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptedValue is the document form of an encrypted value
type EncryptedValue struct {
	Value string `json:"encrypted_value"`
}

// EncryptValue encrypts plaintext and returns it as a JSON document
func (sm *SecretsManager) EncryptValue(plaintext []byte) ([]byte, error) {
	sealed, err := sm.EncryptSecret(plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EncryptedValue{Value: base64.StdEncoding.EncodeToString(sealed)})
}

// DecryptValue reverses EncryptValue
func (sm *SecretsManager) DecryptValue(doc []byte) ([]byte, error) {
	var v EncryptedValue
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("invalid encrypted value document: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(v.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid encrypted value encoding: %w", err)
	}
	return sm.DecryptSecret(sealed)
}

// PasswordSecret opens the password secret for the duration of fn.
// The buffer is destroyed when fn returns; fn must not retain it.
func (sm *SecretsManager) PasswordSecret(fn func(secret []byte) error) error {
	buf, err := sm.secret.Open()
	if err != nil {
		return fmt.Errorf("failed to open password secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
