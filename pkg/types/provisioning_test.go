package types

import (
	"errors"
	"testing"
)

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		from, to ProvisioningState
		allowed  bool
	}{
		{StateUnconfigured, StateConfigured, true},
		{StateConfigured, StateCSR, true},
		{StateCSR, StateSigned, true},
		{StateSigned, StateStored, true},
		{StateStored, StateStartupPrepared, true},
		{StateStartupPrepared, StateStartupTrigger, true},
		{StateStartupTrigger, StateStartupRequested, true},
		{StateStartupRequested, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateRenewal, true},
		{StateRenewal, StateCSR, true},
		{StateConfigured, StateError, true},
		{StateCSR, StateError, true},
		{StateError, StateConfigured, true},
		{StateStored, StateStored, true},

		{StateUnconfigured, StateSigned, false},
		{StateStored, StateCSR, false},
		{StateConnected, StateUnconfigured, false},
		{StateError, StateStored, false},
		{StateUnconfigured, StateError, false},
		{ProvisioningState("BOGUS"), ProvisioningState("BOGUS"), false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestEveryStateHasSuccessors(t *testing.T) {
	for _, s := range AllStates {
		if len(s.Successors()) == 0 {
			t.Errorf("state %s is a dead end", s)
		}
		for _, next := range s.Successors() {
			if !next.Valid() {
				t.Errorf("state %s leads to unknown state %s", s, next)
			}
		}
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	cfg := NewProvisioningConfig("node-1", []string{"node1"})

	err := cfg.Transition(StateSigned, "")
	var stateErr *ProvisioningStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected ProvisioningStateError, got %v", err)
	}
	if stateErr.From != StateUnconfigured || stateErr.To != StateSigned {
		t.Errorf("unexpected error fields: %+v", stateErr)
	}
	if cfg.State != StateUnconfigured {
		t.Errorf("state changed on invalid transition: %s", cfg.State)
	}
}

func TestTransitionClearsErrorMessage(t *testing.T) {
	cfg := NewProvisioningConfig("node-1", nil)
	cfg.State = StateConfigured

	if err := cfg.Transition(StateError, "boom"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if cfg.ErrorMsg != "boom" {
		t.Errorf("ErrorMsg = %q", cfg.ErrorMsg)
	}
	if err := cfg.Transition(StateConfigured, ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if cfg.ErrorMsg != "" {
		t.Errorf("ErrorMsg not cleared: %q", cfg.ErrorMsg)
	}
}

func TestParseProvisioningState(t *testing.T) {
	s, err := ParseProvisioningState(" stored ")
	if err != nil || s != StateStored {
		t.Fatalf("ParseProvisioningState = %q, %v", s, err)
	}
	if _, err := ParseProvisioningState("nope"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	cfg := NewProvisioningConfig("n", []string{"a"})
	cfg.CertificateChain = []string{"leaf", "ca"}

	c := cfg.Clone()
	c.AltNames[0] = "b"
	c.CertificateChain[0] = "other"

	if cfg.AltNames[0] != "a" || cfg.CertificateChain[0] != "leaf" {
		t.Error("clone shares slices with original")
	}
}
