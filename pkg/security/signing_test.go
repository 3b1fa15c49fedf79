package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func signedRequest(t *testing.T, s *RequestSigner, signer, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/cluster/apply", strings.NewReader(body))
	if err := s.Sign(req, signer, []byte(body)); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return req
}

func TestRequestSignerRoundTrip(t *testing.T) {
	s := NewRequestSigner(newTestManager(t))
	req := signedRequest(t, s, "server-2", `{"op":"save_member"}`)

	signer, err := s.Verify(req, []byte(`{"op":"save_member"}`))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if signer != "server-2" {
		t.Errorf("Verify() signer = %q, want server-2", signer)
	}
}

func TestRequestSignerRejects(t *testing.T) {
	s := NewRequestSigner(newTestManager(t))
	body := `{"op":"save_member"}`

	other, err := NewSecretsManagerFromPassword("another-cluster-secret")
	if err != nil {
		t.Fatal(err)
	}
	foreign := NewRequestSigner(other)

	tests := []struct {
		name string
		req  func() *http.Request
		body string
		want error
	}{
		{
			name: "unsigned",
			req:  func() *http.Request { return httptest.NewRequest(http.MethodPost, "/v1/cluster/apply", nil) },
			body: body,
			want: ErrUnsignedRequest,
		},
		{
			name: "tampered body",
			req:  func() *http.Request { return signedRequest(t, s, "server-2", body) },
			body: `{"op":"put_keystore"}`,
			want: ErrBadSignature,
		},
		{
			name: "other signer name",
			req: func() *http.Request {
				req := signedRequest(t, s, "server-2", body)
				req.Header.Set(HeaderSigner, "server-1")
				return req
			},
			body: body,
			want: ErrBadSignature,
		},
		{
			name: "other cluster secret",
			req:  func() *http.Request { return signedRequest(t, foreign, "server-2", body) },
			body: body,
			want: ErrBadSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Verify(tt.req(), []byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRequestSignerRejectsStaleTimestamp(t *testing.T) {
	s := NewRequestSigner(newTestManager(t))
	old := time.Now().Add(-2 * MaxRequestSkew)
	s.now = func() time.Time { return old }
	req := signedRequest(t, s, "server-2", "{}")

	s.now = time.Now
	if _, err := s.Verify(req, []byte("{}")); !errors.Is(err, ErrStaleRequest) {
		t.Errorf("Verify() error = %v, want %v", err, ErrStaleRequest)
	}
}
