package security

import (
	"bytes"
	"encoding/json"
	"testing"
)

const testSecret = "my-secure-password-secret"

func newTestManager(t *testing.T) *SecretsManager {
	t.Helper()
	sm, err := NewSecretsManagerFromPassword(testSecret)
	if err != nil {
		t.Fatalf("Failed to create SecretsManager: %v", err)
	}
	return sm
}

func TestNewSecretsManagerFromPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{
			name:     "valid password",
			password: testSecret,
			wantErr:  false,
		},
		{
			name:     "exactly minimum length",
			password: "0123456789abcdef",
			wantErr:  false,
		},
		{
			name:     "too short",
			password: "short",
			wantErr:  true,
		},
		{
			name:     "empty password",
			password: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecretsManagerFromPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSecretsManagerFromPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && sm == nil {
				t.Error("NewSecretsManagerFromPassword() returned nil without error")
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	sm := newTestManager(t)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{
			name:      "simple string",
			plaintext: []byte("hello world"),
		},
		{
			name:      "binary data",
			plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD},
		},
		{
			name:      "large data",
			plaintext: bytes.Repeat([]byte("test"), 1000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := sm.EncryptSecret(tt.plaintext)
			if err != nil {
				t.Fatalf("EncryptSecret() error = %v", err)
			}
			if bytes.Contains(ciphertext, tt.plaintext) {
				t.Error("ciphertext contains the plaintext")
			}

			decrypted, err := sm.DecryptSecret(ciphertext)
			if err != nil {
				t.Fatalf("DecryptSecret() error = %v", err)
			}
			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("round trip mismatch: got %v, want %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	sm := newTestManager(t)

	a, err := sm.EncryptSecret([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := sm.EncryptSecret([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a[:saltLength], b[:saltLength]) {
		t.Error("two encryptions share a salt")
	}
}

func TestEncryptSecret_Errors(t *testing.T) {
	sm := newTestManager(t)

	if _, err := sm.EncryptSecret(nil); err == nil {
		t.Error("EncryptSecret(nil) should fail")
	}
	if _, err := sm.EncryptSecret([]byte{}); err == nil {
		t.Error("EncryptSecret(empty) should fail")
	}
}

func TestDecryptSecret_Errors(t *testing.T) {
	sm := newTestManager(t)

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{"empty", []byte{}},
		{"shorter than salt", []byte{1, 2, 3}},
		{"salt without nonce", make([]byte, saltLength+4)},
		{"garbage", bytes.Repeat([]byte{0x42}, 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sm.DecryptSecret(tt.ciphertext); err == nil {
				t.Error("DecryptSecret() should fail")
			}
		})
	}
}

func TestDecryptWithWrongSecret(t *testing.T) {
	sm1 := newTestManager(t)
	sm2, err := NewSecretsManagerFromPassword("a-different-password-secret")
	if err != nil {
		t.Fatal(err)
	}

	ciphertext, err := sm1.EncryptSecret([]byte("secret data"))
	if err != nil {
		t.Fatalf("EncryptSecret() error = %v", err)
	}
	if _, err := sm2.DecryptSecret(ciphertext); err == nil {
		t.Error("DecryptSecret() with wrong secret should fail")
	}
}

func TestEncryptValueDocument(t *testing.T) {
	sm := newTestManager(t)

	doc, err := sm.EncryptValue([]byte("keystore bytes"))
	if err != nil {
		t.Fatalf("EncryptValue() error = %v", err)
	}

	var v EncryptedValue
	if err := json.Unmarshal(doc, &v); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}
	if v.Value == "" {
		t.Fatal("encrypted_value is empty")
	}

	plain, err := sm.DecryptValue(doc)
	if err != nil {
		t.Fatalf("DecryptValue() error = %v", err)
	}
	if string(plain) != "keystore bytes" {
		t.Errorf("DecryptValue() = %q", plain)
	}

	if _, err := sm.DecryptValue([]byte(`{"encrypted_value":"%%%"}`)); err == nil {
		t.Error("DecryptValue() should reject invalid base64")
	}
}

func TestPasswordSecret(t *testing.T) {
	sm := newTestManager(t)

	var got string
	if err := sm.PasswordSecret(func(secret []byte) error {
		got = string(secret)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got != testSecret {
		t.Errorf("PasswordSecret() = %q", got)
	}
}
