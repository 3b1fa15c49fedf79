package certutil

import (
	"net"
	"strings"
	"time"

	"github.com/samber/lo"
)

// CertRequest describes a certificate to generate. Build one with SelfSigned
// or SignedBy; the generator treats it as immutable.
type CertRequest struct {
	commonName   string
	organization string
	altNames     []string
	issuer       *KeyPair
	isCA         bool
	validity     time.Duration
}

// SelfSigned starts a request for a certificate signed by its own new key
func SelfSigned(commonName string) *CertRequest {
	return &CertRequest{commonName: commonName}
}

// SignedBy starts a request for a certificate issued by issuer
func SignedBy(commonName string, issuer *KeyPair) *CertRequest {
	return &CertRequest{commonName: commonName, issuer: issuer}
}

// WithSubjectAltNames appends SANs, dropping blanks and duplicates while keeping order
func (r *CertRequest) WithSubjectAltNames(names ...string) *CertRequest {
	cleaned := lo.Map(names, func(n string, _ int) string { return strings.TrimSpace(n) })
	cleaned = lo.Filter(cleaned, func(n string, _ int) bool { return n != "" })
	r.altNames = lo.Uniq(append(r.altNames, cleaned...))
	return r
}

// WithOrganization sets the subject organization
func (r *CertRequest) WithOrganization(org string) *CertRequest {
	r.organization = org
	return r
}

// IsCA marks the certificate as a certificate authority
func (r *CertRequest) IsCA(ca bool) *CertRequest {
	r.isCA = ca
	return r
}

// Validity sets how long the certificate is valid from now
func (r *CertRequest) Validity(d time.Duration) *CertRequest {
	r.validity = d
	return r
}

func (r *CertRequest) CommonName() string { return r.commonName }

func (r *CertRequest) Issuer() *KeyPair { return r.issuer }

func (r *CertRequest) CA() bool { return r.isCA }

func (r *CertRequest) Duration() time.Duration { return r.validity }

// SubjectAltNames returns a copy of the SAN list
func (r *CertRequest) SubjectAltNames() []string {
	return append([]string(nil), r.altNames...)
}

// SplitAltNames separates IP literals from DNS names
func SplitAltNames(names []string) (dnsNames []string, ips []net.IP) {
	for _, name := range names {
		if ip := net.ParseIP(name); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dnsNames = append(dnsNames, name)
	}
	return dnsNames, ips
}

// JoinAltNames is the inverse of SplitAltNames, DNS names first
func JoinAltNames(dnsNames []string, ips []net.IP) []string {
	out := append([]string(nil), dnsNames...)
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out
}
