package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/rs/zerolog"
)

// MigrationStatus is the outcome of moving a legacy node keystore
type MigrationStatus string

const (
	// MigrationNotNeeded means the node has no legacy keystore
	MigrationNotNeeded MigrationStatus = "NOT_NEEDED"

	// MigrationMigrated means a signed legacy keystore was moved as-is
	MigrationMigrated MigrationStatus = "MIGRATED"

	// MigrationAlreadyMigrated means the new location was populated already
	// and only the stale legacy copy was removed
	MigrationAlreadyMigrated MigrationStatus = "ALREADY_MIGRATED"

	// MigrationRegenerated means the legacy keystore was unusable, so it was
	// discarded and a fresh key stored instead
	MigrationRegenerated MigrationStatus = "REGENERATED"

	MigrationFailed MigrationStatus = "FAILED"
)

// MigrationResult is persisted per node once a migration ran
type MigrationResult struct {
	NodeID string          `json:"node_id"`
	Status MigrationStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
	DryRun bool            `json:"dry_run,omitempty"`
	At     time.Time       `json:"at"`
}

const migrationKeyPrefix = "keystore_migration/"

// NodeLocation is where the keystore of a data node lives in the cluster store
func NodeLocation(nodeID string) StoreLocation {
	return StoreLocation{Collection: storage.CollectionDataNodeKeystores, Key: nodeID}
}

// Migrator moves legacy single-document node keystores into the
// per-node keystore collection. Each node is migrated at most once; the
// result is recorded in the cluster config.
type Migrator struct {
	store     storage.Store
	keystores *Storage
	generator *certutil.Generator
	dryRun    bool
	logger    zerolog.Logger
}

// NewMigrator creates a Migrator writing through keystores
func NewMigrator(store storage.Store, keystores *Storage, g *certutil.Generator) *Migrator {
	if g == nil {
		g = certutil.NewGenerator()
	}
	return &Migrator{
		store:     store,
		keystores: keystores,
		generator: g,
		logger:    log.WithComponent("keystore-migration"),
	}
}

// DryRun makes the migrator report what it would do without writing
func (m *Migrator) DryRun(enabled bool) *Migrator {
	m.dryRun = enabled
	return m
}

// Status returns the recorded migration result of a node, if any
func (m *Migrator) Status(nodeID string) (*MigrationResult, error) {
	data, err := m.store.GetClusterConfig(migrationKeyPrefix + nodeID)
	if err != nil {
		return nil, err
	}
	var res MigrationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("invalid migration record for %s: %w", nodeID, err)
	}
	return &res, nil
}

// MigrateAll migrates every node with a legacy keystore. Failures are
// reported in the results and do not stop the remaining nodes.
func (m *Migrator) MigrateAll(password []byte) ([]*MigrationResult, error) {
	ids, err := m.store.ListLegacyKeystores()
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy keystores: %w", err)
	}
	results := make([]*MigrationResult, 0, len(ids))
	for _, id := range ids {
		res, err := m.Migrate(id, password)
		if err != nil && res == nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Migrate runs the one-time migration for nodeID. password protects both the
// legacy container and the migrated keystore. A failed migration returns the
// FAILED result together with the error.
func (m *Migrator) Migrate(nodeID string, password []byte) (*MigrationResult, error) {
	logger := m.logger.With().Str("node_id", nodeID).Logger()

	legacy, err := m.store.GetLegacyKeystore(nodeID)
	if storage.IsNotFound(err) {
		if prev, err := m.Status(nodeID); err == nil {
			return prev, nil
		}
		return m.result(nodeID, MigrationNotNeeded, ""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy keystore of %s: %w", nodeID, err)
	}

	target := NodeLocation(nodeID)
	exists, err := m.keystores.Exists(target)
	if err != nil {
		return m.fail(nodeID, err)
	}
	if exists {
		res := m.result(nodeID, MigrationAlreadyMigrated, "")
		return m.finish(res, logger)
	}

	ks, err := Decode(legacy, password, AliasDataNode)
	switch {
	case err == nil && ks.HasSignedChain():
		res := m.result(nodeID, MigrationMigrated, "")
		if !m.dryRun {
			if err := m.keystores.WriteKeyStore(target, ks, password); err != nil {
				return m.fail(nodeID, err)
			}
		}
		return m.finish(res, logger)

	case err == nil:
		err = errors.New("legacy keystore has no signed certificate chain")
	}

	res := m.result(nodeID, MigrationRegenerated, err.Error())
	if !m.dryRun {
		nodeKeys := NewNodeKeyStorage(m.keystores, target, nodeID, m.generator)
		if _, err := nodeKeys.Create(password); err != nil {
			return m.fail(nodeID, err)
		}
	}
	return m.finish(res, logger)
}

func (m *Migrator) result(nodeID string, status MigrationStatus, reason string) *MigrationResult {
	return &MigrationResult{NodeID: nodeID, Status: status, Reason: reason, DryRun: m.dryRun, At: time.Now().UTC()}
}

// finish drops the legacy copy and records the result
func (m *Migrator) finish(res *MigrationResult, logger zerolog.Logger) (*MigrationResult, error) {
	if m.dryRun {
		logger.Info().Str("status", string(res.Status)).Str("reason", res.Reason).Msg("Dry run: legacy keystore would be migrated")
		return res, nil
	}
	if err := m.store.DeleteLegacyKeystore(res.NodeID); err != nil {
		return m.fail(res.NodeID, fmt.Errorf("failed to delete legacy keystore: %w", err))
	}
	if err := m.record(res); err != nil {
		return res, err
	}
	logger.Info().Str("status", string(res.Status)).Str("reason", res.Reason).Msg("Legacy keystore migrated")
	return res, nil
}

func (m *Migrator) fail(nodeID string, cause error) (*MigrationResult, error) {
	res := m.result(nodeID, MigrationFailed, cause.Error())
	if !m.dryRun {
		if err := m.record(res); err != nil {
			m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Failed to record migration failure")
		}
	}
	return res, fmt.Errorf("keystore migration of %s failed: %w", nodeID, cause)
}

func (m *Migrator) record(res *MigrationResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return m.store.PutClusterConfig(migrationKeyPrefix+res.NodeID, data)
}
