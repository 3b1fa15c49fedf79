package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/certwarden/pkg/ca"
	"github.com/cuemby/certwarden/pkg/manager"
	"github.com/cuemby/certwarden/pkg/security"
	"github.com/cuemby/certwarden/pkg/types"
)

// DefaultTimeout bounds every API call
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx answer of the API
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a 404 answer
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to the operator API of a certwarden server
type Client struct {
	base     string
	http     *http.Client
	signer   *security.RequestSigner
	identity string
}

// NewClient creates a client for the server at addr (host:port or URL)
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimSuffix(addr, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
}

// WithSigner signs every request as identity with the cluster key. Creating
// join tokens needs a signed request.
func (c *Client) WithSigner(signer *security.RequestSigner, identity string) *Client {
	c.signer = signer
	c.identity = identity
	return c
}

func (c *Client) sign(req *http.Request, body []byte) error {
	if c.signer == nil {
		return nil
	}
	return c.signer.Sign(req, c.identity, body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var data []byte
	var body io.Reader
	if in != nil {
		var err error
		if data, err = json.Marshal(in); err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.sign(req, data); err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v, err = io.ReadAll(resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

// CAInfo returns the active CA
func (c *Client) CAInfo(ctx context.Context) (*ca.Info, error) {
	var info ca.Info
	if err := c.do(ctx, http.MethodGet, "/v1/ca", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateCA creates a self-signed CA
func (c *Client) CreateCA(ctx context.Context, organization string) (*ca.Info, error) {
	var info ca.Info
	err := c.do(ctx, http.MethodPost, "/v1/ca/create", map[string]string{"organization": organization}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// UploadCA imports a CA from PEM or PKCS#12 files
func (c *Client) UploadCA(ctx context.Context, password string, parts []ca.UploadPart) (*ca.Info, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := mw.CreateFormFile("files", p.Name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(p.Data); err != nil {
			return nil, err
		}
	}
	if password != "" {
		if err := mw.WriteField("password", password); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	data := buf.Bytes()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/ca/upload", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.sign(req, data); err != nil {
		return nil, err
	}
	var info ca.Info
	if err := c.send(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CACertificate returns the PEM encoded CA certificate
func (c *Client) CACertificate(ctx context.Context) ([]byte, error) {
	var pem []byte
	err := c.do(ctx, http.MethodGet, "/v1/ca/certificate", nil, &pem)
	return pem, err
}

// Truststore returns the CA truststore as PKCS#12 protected by password
func (c *Client) Truststore(ctx context.Context, password string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, http.MethodGet, "/v1/ca/truststore?password="+url.QueryEscape(password), nil, &data)
	return data, err
}

// RenewalPolicy returns the renewal policy. A missing policy is an
// APIError for which IsNotFound holds.
func (c *Client) RenewalPolicy(ctx context.Context) (*types.RenewalPolicy, error) {
	var policy types.RenewalPolicy
	if err := c.do(ctx, http.MethodGet, "/v1/renewal_policy", nil, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// SetRenewalPolicy replaces the renewal policy
func (c *Client) SetRenewalPolicy(ctx context.Context, policy types.RenewalPolicy) error {
	return c.do(ctx, http.MethodPut, "/v1/renewal_policy", policy, nil)
}

// SetPreflightResult records how far the preflight got
func (c *Client) SetPreflightResult(ctx context.Context, result types.PreflightResult) error {
	return c.do(ctx, http.MethodPut, "/v1/preflight", map[string]types.PreflightResult{"result": result}, nil)
}

// ListProvisioning returns every provisioning record
func (c *Client) ListProvisioning(ctx context.Context) ([]*types.ProvisioningConfig, error) {
	var configs []*types.ProvisioningConfig
	if err := c.do(ctx, http.MethodGet, "/v1/provisioning", nil, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// GenerateAll configures every waiting node
func (c *Client) GenerateAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/provisioning/generate", nil, nil)
}

// Configure sets the alt names of a node and moves it to CONFIGURED
func (c *Client) Configure(ctx context.Context, nodeID string, altNames []string) (*types.ProvisioningConfig, error) {
	var cfg types.ProvisioningConfig
	path := "/v1/provisioning/" + url.PathEscape(nodeID) + "/configure"
	if err := c.do(ctx, http.MethodPost, path, map[string][]string{"alt_names": altNames}, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reset moves a failed node back to CONFIGURED
func (c *Client) Reset(ctx context.Context, nodeID string) (*types.ProvisioningConfig, error) {
	var cfg types.ProvisioningConfig
	if err := c.do(ctx, http.MethodPost, "/v1/provisioning/"+url.PathEscape(nodeID)+"/reset", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StartOver drops the CA, the renewal policy and the preflight result
func (c *Client) StartOver(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/startOver", nil, nil)
}

// Notifications lists the active operator notifications
func (c *Client) Notifications(ctx context.Context) ([]*types.Notification, error) {
	var list []*types.Notification
	if err := c.do(ctx, http.MethodGet, "/v1/notifications", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GenerateJoinToken issues a token for role (server or datanode). The client
// must carry a signer.
func (c *Client) GenerateJoinToken(ctx context.Context, role string) (*manager.JoinToken, error) {
	var token manager.JoinToken
	if err := c.do(ctx, http.MethodPost, "/v1/cluster/tokens", map[string]string{"role": role}, &token); err != nil {
		return nil, err
	}
	return &token, nil
}
