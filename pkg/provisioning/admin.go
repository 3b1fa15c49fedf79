package provisioning

import (
	"fmt"
	"sort"

	"github.com/cuemby/certwarden/pkg/events"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/notifications"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/rs/zerolog"
)

// CAResetter drops the active CA
type CAResetter interface {
	Reset() error
}

// Admin implements the operator actions on provisioning records
type Admin struct {
	store         storage.Store
	ca            CAResetter
	notifications *notifications.Service
	states        *StateWriter
	logger        zerolog.Logger
}

// NewAdmin creates the operator facade. publisher may be nil.
func NewAdmin(store storage.Store, ca CAResetter, n *notifications.Service, publisher events.Publisher) *Admin {
	return &Admin{
		store:         store,
		ca:            ca,
		notifications: n,
		states:        NewStateWriter(store, publisher),
		logger:        log.WithComponent("provisioning-admin"),
	}
}

// List returns every provisioning record ordered by node ID
func (a *Admin) List() ([]*types.ProvisioningConfig, error) {
	configs, err := a.store.ListProvisioning()
	if err != nil {
		return nil, err
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].NodeID < configs[j].NodeID })
	return configs, nil
}

// Get returns the record of one node
func (a *Admin) Get(nodeID string) (*types.ProvisioningConfig, error) {
	return a.store.GetProvisioning(nodeID)
}

// GenerateAll moves every UNCONFIGURED node to CONFIGURED with the alt names
// it registered with. It returns how many nodes were configured.
func (a *Admin) GenerateAll() (int, error) {
	configs, err := a.store.ListProvisioning()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cfg := range configs {
		if cfg.State != types.StateUnconfigured {
			continue
		}
		if _, err := a.states.Move(cfg.NodeID, types.StateUnconfigured, types.StateConfigured, ""); err != nil {
			a.states.Report(cfg.NodeID, err)
			continue
		}
		n++
	}
	a.logger.Info().Int("nodes", n).Msg("Configured waiting data nodes")
	return n, nil
}

// Configure sets the alt names of a node and moves it to CONFIGURED. Nodes
// that are unconfigured, configured or failed can be configured.
func (a *Admin) Configure(nodeID string, altNames []string) (*types.ProvisioningConfig, error) {
	if err := types.ValidateAltNames(altNames); err != nil {
		return nil, err
	}
	names := append([]string(nil), altNames...)
	return a.states.Apply(nodeID, Change{
		From: []types.ProvisioningState{types.StateUnconfigured, types.StateConfigured, types.StateError},
		To:   types.StateConfigured,
		Mutate: func(c *types.ProvisioningConfig) {
			if len(names) > 0 {
				c.AltNames = names
			}
		},
	})
}

// Reset moves a failed node back to CONFIGURED so it re-enters the pipeline
func (a *Admin) Reset(nodeID string) (*types.ProvisioningConfig, error) {
	return a.states.Move(nodeID, types.StateError, types.StateConfigured, "")
}

// StartOver undoes the whole preflight: the CA, the renewal policy and the
// preflight result are removed and every node goes back to UNCONFIGURED.
// Node keys are kept; the next CSR reuses them.
func (a *Admin) StartOver() error {
	configs, err := a.store.ListProvisioning()
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := a.unconfigure(cfg.NodeID); err != nil {
			return err
		}
		if err := a.notifications.Fixed(types.NotificationCertificateNeedsRenewal, cfg.NodeID); err != nil {
			return err
		}
	}
	if err := a.notifications.Fixed(types.NotificationDataNodeNeedsProvisioning, ""); err != nil {
		return err
	}

	if err := a.store.DeleteClusterConfig(storage.KeyRenewalPolicy); err != nil {
		return fmt.Errorf("failed to delete renewal policy: %w", err)
	}
	if err := storage.PutPreflightResult(a.store, types.PreflightUnknown); err != nil {
		return fmt.Errorf("failed to clear preflight result: %w", err)
	}
	if err := a.ca.Reset(); err != nil {
		return fmt.Errorf("failed to remove CA: %w", err)
	}

	a.logger.Warn().Int("nodes", len(configs)).Msg("Provisioning started over")
	return nil
}

// unconfigure is the one write allowed outside the state graph
func (a *Admin) unconfigure(nodeID string) error {
	var from types.ProvisioningState
	_, err := storage.UpdateProvisioning(a.store, nodeID, func(c *types.ProvisioningConfig) error {
		from = c.State
		if c.State == types.StateUnconfigured && c.CSR == "" && len(c.CertificateChain) == 0 && c.ErrorMsg == "" {
			return storage.ErrNoChange
		}
		c.State = types.StateUnconfigured
		c.CSR = ""
		c.CertificateChain = nil
		c.ErrorMsg = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset %s: %w", nodeID, err)
	}
	if from != types.StateUnconfigured {
		a.states.publish(events.ProvisioningStateChanged{NodeID: nodeID, From: from, State: types.StateUnconfigured})
	}
	return nil
}
