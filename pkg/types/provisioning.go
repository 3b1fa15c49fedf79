package types

import (
	"fmt"
	"strings"
)

// ProvisioningState is a node's position in the certificate provisioning pipeline
type ProvisioningState string

const (
	StateUnconfigured     ProvisioningState = "UNCONFIGURED"
	StateConfigured       ProvisioningState = "CONFIGURED"
	StateCSR              ProvisioningState = "CSR"
	StateSigned           ProvisioningState = "SIGNED"
	StateStored           ProvisioningState = "STORED"
	StateStartupPrepared  ProvisioningState = "STARTUP_PREPARED"
	StateStartupTrigger   ProvisioningState = "STARTUP_TRIGGER"
	StateStartupRequested ProvisioningState = "STARTUP_REQUESTED"
	StateConnecting       ProvisioningState = "CONNECTING"
	StateConnected        ProvisioningState = "CONNECTED"
	StateRenewal          ProvisioningState = "RENEWAL"
	StateError            ProvisioningState = "ERROR"
)

// AllStates lists every state in pipeline order
var AllStates = []ProvisioningState{
	StateUnconfigured,
	StateConfigured,
	StateCSR,
	StateSigned,
	StateStored,
	StateStartupPrepared,
	StateStartupTrigger,
	StateStartupRequested,
	StateConnecting,
	StateConnected,
	StateRenewal,
	StateError,
}

var transitions = map[ProvisioningState][]ProvisioningState{
	StateUnconfigured:     {StateConfigured},
	StateConfigured:       {StateCSR, StateError},
	StateCSR:              {StateSigned, StateError},
	StateSigned:           {StateStored, StateConfigured, StateError},
	StateStored:           {StateStartupPrepared, StateRenewal, StateError},
	StateStartupPrepared:  {StateStartupTrigger, StateRenewal, StateError},
	StateStartupTrigger:   {StateStartupRequested, StateRenewal, StateError},
	StateStartupRequested: {StateConnecting, StateRenewal, StateError},
	StateConnecting:       {StateConnected, StateRenewal, StateError},
	StateConnected:        {StateRenewal, StateError},
	StateRenewal:          {StateCSR, StateError},
	StateError:            {StateConfigured},
}

// Valid reports whether s is a known state
func (s ProvisioningState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the graph allows moving from s to next.
// Staying in the same state is always allowed and treated as a no-op by callers.
func (s ProvisioningState) CanTransition(next ProvisioningState) bool {
	if s == next {
		return s.Valid()
	}
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Successors returns the states reachable from s in one step
func (s ProvisioningState) Successors() []ProvisioningState {
	return append([]ProvisioningState(nil), transitions[s]...)
}

// HasCertificate reports whether a node in this state is expected to hold an
// installed certificate chain.
func (s ProvisioningState) HasCertificate() bool {
	switch s {
	case StateStored, StateStartupPrepared, StateStartupTrigger, StateStartupRequested, StateConnecting, StateConnected:
		return true
	}
	return false
}

// ParseProvisioningState parses a state name case-insensitively
func ParseProvisioningState(s string) (ProvisioningState, error) {
	state := ProvisioningState(strings.ToUpper(strings.TrimSpace(s)))
	if !state.Valid() {
		return "", fmt.Errorf("unknown provisioning state %q", s)
	}
	return state, nil
}

// ProvisioningStateError is returned when a transition outside the graph is requested
type ProvisioningStateError struct {
	NodeID string
	From   ProvisioningState
	To     ProvisioningState
}

func (e *ProvisioningStateError) Error() string {
	return fmt.Sprintf("invalid provisioning transition for node %s: %s -> %s", e.NodeID, e.From, e.To)
}

// Transition moves the record to next, stamping the error message.
// A same-state transition only refreshes the error message.
func (c *ProvisioningConfig) Transition(next ProvisioningState, errorMsg string) error {
	if !c.State.CanTransition(next) {
		return &ProvisioningStateError{NodeID: c.NodeID, From: c.State, To: next}
	}
	c.State = next
	c.ErrorMsg = errorMsg
	return nil
}
