package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/certwarden/pkg/types"
)

// GetRenewalPolicy returns the persisted renewal policy. A missing policy is
// reported as ErrNotFound.
func GetRenewalPolicy(s Store) (*types.RenewalPolicy, error) {
	data, err := s.GetClusterConfig(KeyRenewalPolicy)
	if err != nil {
		return nil, err
	}
	var policy types.RenewalPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode renewal policy: %w", err)
	}
	return &policy, nil
}

// PutRenewalPolicy validates and persists the renewal policy
func PutRenewalPolicy(s Store, policy types.RenewalPolicy) error {
	if err := types.ValidateRenewalPolicy(policy); err != nil {
		return err
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	return s.PutClusterConfig(KeyRenewalPolicy, data)
}

// GetPreflightResult returns the preflight result, PreflightUnknown when unset
func GetPreflightResult(s Store) (types.PreflightResult, error) {
	data, err := s.GetClusterConfig(KeyPreflightResult)
	if IsNotFound(err) {
		return types.PreflightUnknown, nil
	}
	if err != nil {
		return types.PreflightUnknown, err
	}
	return types.PreflightResult(data), nil
}

// PutPreflightResult validates and persists the preflight result. Setting
// PreflightUnknown clears it.
func PutPreflightResult(s Store, result types.PreflightResult) error {
	if err := types.ValidatePreflightResult(result); err != nil {
		return err
	}
	if result == types.PreflightUnknown {
		return s.DeleteClusterConfig(KeyPreflightResult)
	}
	return s.PutClusterConfig(KeyPreflightResult, []byte(result))
}
