package provisioning

import (
	"errors"
	"fmt"

	"github.com/cuemby/certwarden/pkg/events"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrStateMoved is returned when a record left the expected state before the
// change could be written. The caller's view was stale; the next tick sees
// the new state.
var ErrStateMoved = errors.New("provisioning state moved")

// Change is one guarded state transition
type Change struct {
	// From lists the states the record must be in. Empty means any state.
	From []types.ProvisioningState

	To types.ProvisioningState

	// Message is stored as the record's error message
	Message string

	// Mutate edits the record after the transition, e.g. to store a CSR
	Mutate func(cfg *types.ProvisioningConfig)
}

// StateWriter commits provisioning transitions. Every committed change is
// counted and announced with a ProvisioningStateChanged event.
type StateWriter struct {
	store     storage.Store
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewStateWriter creates a StateWriter. publisher may be nil.
func NewStateWriter(store storage.Store, publisher events.Publisher) *StateWriter {
	return &StateWriter{
		store:     store,
		publisher: publisher,
		logger:    log.WithComponent("provisioning-state"),
	}
}

// Apply commits c to the record of nodeID with a compare-and-set write
func (w *StateWriter) Apply(nodeID string, c Change) (*types.ProvisioningConfig, error) {
	var from types.ProvisioningState
	cfg, err := storage.UpdateProvisioning(w.store, nodeID, func(cfg *types.ProvisioningConfig) error {
		from = cfg.State
		if len(c.From) > 0 && !lo.Contains(c.From, cfg.State) {
			return fmt.Errorf("%s is %s: %w", nodeID, cfg.State, ErrStateMoved)
		}
		if cfg.State == c.To && cfg.ErrorMsg == c.Message && c.Mutate == nil {
			return storage.ErrNoChange
		}
		if err := cfg.Transition(c.To, c.Message); err != nil {
			return err
		}
		if c.Mutate != nil {
			c.Mutate(cfg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from != cfg.State {
		metrics.StateTransitions.WithLabelValues(string(from), string(cfg.State)).Inc()
		w.logger.Info().
			Str("node_id", nodeID).
			Str("from", string(from)).
			Str("to", string(cfg.State)).
			Msg("Provisioning state changed")
		w.publish(events.ProvisioningStateChanged{NodeID: nodeID, From: from, State: cfg.State})
	}
	return cfg, nil
}

// Move is Apply without a mutation
func (w *StateWriter) Move(nodeID string, from, to types.ProvisioningState, msg string) (*types.ProvisioningConfig, error) {
	return w.Apply(nodeID, Change{From: []types.ProvisioningState{from}, To: to, Message: msg})
}

// Fail moves the node to ERROR from whatever state it is in
func (w *StateWriter) Fail(nodeID, msg string) {
	_, err := w.Apply(nodeID, Change{To: types.StateError, Message: msg})
	if err != nil {
		w.Report(nodeID, err)
		return
	}
	w.logger.Error().Str("node_id", nodeID).Str("error", msg).Msg("Provisioning failed")
}

// Report logs a failed change at the level its cause deserves
func (w *StateWriter) Report(nodeID string, err error) {
	var stateErr *types.ProvisioningStateError
	switch {
	case errors.As(err, &stateErr):
		w.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Ignoring invalid provisioning transition")
	case errors.Is(err, ErrStateMoved):
		w.logger.Debug().Err(err).Str("node_id", nodeID).Msg("Provisioning record changed concurrently")
	default:
		w.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to update provisioning record")
	}
}

func (w *StateWriter) publish(p events.Payload) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(p); err != nil {
		w.logger.Warn().Err(err).Str("event", string(p.EventType())).Msg("Failed to publish event")
	}
}
