package provisioning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/certwarden/pkg/health"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/rs/zerolog"
)

// HealthPath is served by every data node's TLS health listener
const HealthPath = "/health"

// ConnectivityChecker waits until a data node answers over TLS
type ConnectivityChecker interface {
	CheckConnectivity(ctx context.Context, nodeID string) error
}

// HTTPSConnectivity checks a node by calling its health endpoint, trusting
// only the active CA. The node's address is looked up on every attempt, so a
// node that registers late is still found.
type HTTPSConnectivity struct {
	store  storage.Store
	ca     CertificateAuthority
	policy health.RetryPolicy
	logger zerolog.Logger
}

// NewHTTPSConnectivity creates a checker using health.DataNodeRetryPolicy
func NewHTTPSConnectivity(store storage.Store, ca CertificateAuthority) *HTTPSConnectivity {
	return &HTTPSConnectivity{
		store:  store,
		ca:     ca,
		policy: health.DataNodeRetryPolicy(),
		logger: log.WithComponent("connectivity"),
	}
}

// WithRetryPolicy overrides the retry policy
func (h *HTTPSConnectivity) WithRetryPolicy(p health.RetryPolicy) *HTTPSConnectivity {
	h.policy = p
	return h
}

// CheckConnectivity blocks until the node is reachable or the policy gives up
func (h *HTTPSConnectivity) CheckConnectivity(ctx context.Context, nodeID string) error {
	logger := h.logger.With().Str("node_id", nodeID).Logger()
	logger.Info().Dur("quiet_period", h.policy.QuietPeriod).Msg("Starting connectivity check")

	res, err := health.WaitUntilHealthy(ctx, &nodeChecker{h: h, nodeID: nodeID}, h.policy, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Data node not reachable")
		return err
	}
	evt := logger.Info().Dur("duration", res.Duration)
	if res.Peer != nil {
		evt = evt.Str("serial", res.Peer.SerialNumber.String()).Time("not_after", res.Peer.NotAfter)
	}
	evt.Msg("Connectivity check successful")
	return nil
}

// nodeChecker resolves the node's address and CA roots before each check
type nodeChecker struct {
	h      *HTTPSConnectivity
	nodeID string
}

func (c *nodeChecker) Check(ctx context.Context) health.Result {
	checker, err := c.resolve()
	if err != nil {
		return health.Result{Message: err.Error(), CheckedAt: time.Now()}
	}
	return checker.Check(ctx)
}

func (c *nodeChecker) Type() health.CheckType {
	return health.CheckTypeHTTP
}

func (c *nodeChecker) resolve() (*health.HTTPSChecker, error) {
	node, err := c.h.store.GetDataNode(c.nodeID)
	if err != nil {
		return nil, fmt.Errorf("data node %s is not registered: %w", c.nodeID, err)
	}
	if node.TransportAddress == "" {
		return nil, fmt.Errorf("data node %s has no transport address", c.nodeID)
	}
	ts, err := c.h.ca.Truststore()
	if err != nil {
		return nil, fmt.Errorf("failed to load CA truststore: %w", err)
	}
	return health.NewHTTPSChecker(strings.TrimSuffix(node.TransportAddress, "/")+HealthPath, ts.CertPool())
}
