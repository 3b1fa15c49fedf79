package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/certwarden/pkg/types"
	"github.com/google/uuid"
)

// EventType names a cluster event
type EventType string

const (
	EventCertificateSigningRequest   EventType = "certificate.signing_request"
	EventCertificateSigned           EventType = "certificate.signed"
	EventProvisioningStateChanged    EventType = "datanode.provisioning_state_changed"
	EventDataNodeLifecycle           EventType = "datanode.lifecycle"
	EventCertificateAuthorityChanged EventType = "ca.changed"
)

// Payload is the typed body of a cluster event. The set of payloads is closed.
type Payload interface {
	EventType() EventType
}

// CertificateSigningRequest is posted by a data node once its CSR is stored
type CertificateSigningRequest struct {
	NodeID string `json:"node_id"`
	CSR    string `json:"csr"`
}

// CertificateSigned is posted by the CA side after signing a node's CSR
type CertificateSigned struct {
	NodeID           string   `json:"node_id"`
	CertificateChain []string `json:"certificate_chain"`
}

// ProvisioningStateChanged announces a committed state transition
type ProvisioningStateChanged struct {
	NodeID string                  `json:"node_id"`
	From   types.ProvisioningState `json:"from"`
	State  types.ProvisioningState `json:"state"`
}

// LifecycleTrigger is an instruction for a data node's managed process
type LifecycleTrigger string

const (
	TriggerStart LifecycleTrigger = "START"
	TriggerStop  LifecycleTrigger = "STOP"
)

// DataNodeLifecycle asks one node (or every node, when NodeID is empty) to act
type DataNodeLifecycle struct {
	NodeID  string           `json:"node_id,omitempty"`
	Trigger LifecycleTrigger `json:"trigger"`
}

// CertificateAuthorityChanged is posted whenever the active CA is created,
// replaced or removed.
type CertificateAuthorityChanged struct {
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (CertificateSigningRequest) EventType() EventType   { return EventCertificateSigningRequest }
func (CertificateSigned) EventType() EventType           { return EventCertificateSigned }
func (ProvisioningStateChanged) EventType() EventType    { return EventProvisioningStateChanged }
func (DataNodeLifecycle) EventType() EventType           { return EventDataNodeLifecycle }
func (CertificateAuthorityChanged) EventType() EventType { return EventCertificateAuthorityChanged }

// Event is a decoded cluster event as seen by local subscribers
type Event struct {
	Seq       uint64
	ID        string
	Type      EventType
	Origin    string
	Timestamp time.Time
	Payload   Payload
}

// Encode wraps p into an outbox entry
func Encode(p Payload, origin string) (*types.ClusterEvent, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", p.EventType(), err)
	}
	return &types.ClusterEvent{
		ID:        uuid.New().String(),
		Type:      string(p.EventType()),
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Decode turns an outbox entry back into a typed event
func Decode(ce *types.ClusterEvent) (*Event, error) {
	var p Payload
	switch EventType(ce.Type) {
	case EventCertificateSigningRequest:
		p = decodeAs[CertificateSigningRequest](ce.Data)
	case EventCertificateSigned:
		p = decodeAs[CertificateSigned](ce.Data)
	case EventProvisioningStateChanged:
		p = decodeAs[ProvisioningStateChanged](ce.Data)
	case EventDataNodeLifecycle:
		p = decodeAs[DataNodeLifecycle](ce.Data)
	case EventCertificateAuthorityChanged:
		p = decodeAs[CertificateAuthorityChanged](ce.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", ce.Type)
	}
	if p == nil {
		return nil, fmt.Errorf("malformed %s event %s", ce.Type, ce.ID)
	}
	return &Event{
		Seq:       ce.Seq,
		ID:        ce.ID,
		Type:      EventType(ce.Type),
		Origin:    ce.Origin,
		Timestamp: ce.Timestamp,
		Payload:   p,
	}, nil
}

func decodeAs[T Payload](data json.RawMessage) Payload {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
	}
	return v
}
