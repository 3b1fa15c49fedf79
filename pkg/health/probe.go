package health

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/certwarden/pkg/security"
)

const (
	defaultHTTPSTimeout = 10 * time.Second
	defaultTCPTimeout   = 5 * time.Second
)

func failed(start time.Time, format string, args ...any) Result {
	return Result{
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// HTTPSChecker calls a node's health endpoint over TLS. Only 2xx answers
// from a server presenting a certificate chained to Roots for the URL's
// host pass.
type HTTPSChecker struct {
	URL    string
	client *http.Client
}

// NewHTTPSChecker creates a checker that trusts only roots
func NewHTTPSChecker(rawURL string, roots *x509.CertPool) (*HTTPSChecker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid health URL %q: %w", rawURL, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("health URL %q must be an https URL", rawURL)
	}
	return &HTTPSChecker{
		URL: rawURL,
		client: &http.Client{
			Timeout: defaultHTTPSTimeout,
			Transport: &http.Transport{
				TLSClientConfig:   security.ClientTLSConfig(roots, u.Hostname()),
				DisableKeepAlives: true,
			},
		},
	}, nil
}

// WithTimeout bounds each check
func (h *HTTPSChecker) WithTimeout(d time.Duration) *HTTPSChecker {
	h.client.Timeout = d
	return h
}

// Check performs one request. A healthy result carries the leaf certificate
// the node served.
func (h *HTTPSChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, "failed to create request: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return failed(start, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failed(start, "HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	res := Result{
		Healthy:   true,
		Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		res.Peer = resp.TLS.PeerCertificates[0]
	}
	return res
}

func (h *HTTPSChecker) Type() CheckType {
	return CheckTypeHTTP
}

// TCPChecker checks that an address accepts connections
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: defaultTCPTimeout}
}

// Check dials once and closes the connection
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	conn, err := (&net.Dialer{Timeout: t.Timeout}).DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, "connection to %s failed: %v", t.Address, err)
	}
	conn.Close()
	return Result{Healthy: true, Message: "accepting connections", CheckedAt: start, Duration: time.Since(start)}
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
