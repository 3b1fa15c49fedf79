package types

import (
	"encoding/json"
	"time"
)

// DataNode is the registry entry a data node keeps fresh with heartbeats
type DataNode struct {
	NodeID           string    `json:"node_id"`
	Hostname         string    `json:"hostname"`
	TransportAddress string    `json:"transport_address"` // https://host:port of the node's health listener
	LastSeen         time.Time `json:"last_seen"`
}

// IsActive reports whether the node heartbeated within window.
func (n *DataNode) IsActive(now time.Time, window time.Duration) bool {
	return !n.LastSeen.IsZero() && now.Sub(n.LastSeen) <= window
}

// ProvisioningConfig is the persisted per-node provisioning record.
// It is keyed by NodeID and is the single source of truth for the node's state.
type ProvisioningConfig struct {
	NodeID   string            `json:"node_id"`
	State    ProvisioningState `json:"state"`
	AltNames []string          `json:"alt_names,omitempty"`

	// CSR is the PEM encoded PKCS#10 request while the node waits for signing
	CSR string `json:"csr,omitempty"`

	// CertificateChain holds PEM blocks, leaf first, CA last
	CertificateChain []string `json:"certificate_chain,omitempty"`

	ErrorMsg  string    `json:"error_msg,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored slices
func (c *ProvisioningConfig) Clone() *ProvisioningConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.AltNames = append([]string(nil), c.AltNames...)
	out.CertificateChain = append([]string(nil), c.CertificateChain...)
	return &out
}

// NewProvisioningConfig creates the record written on first contact with a node
func NewProvisioningConfig(nodeID string, altNames []string) *ProvisioningConfig {
	return &ProvisioningConfig{
		NodeID:    nodeID,
		State:     StateUnconfigured,
		AltNames:  append([]string(nil), altNames...),
		UpdatedAt: time.Now().UTC(),
	}
}

// RenewalMode selects what happens when a certificate approaches expiry
type RenewalMode string

const (
	RenewalModeAutomatic RenewalMode = "AUTOMATIC"
	RenewalModeManual    RenewalMode = "MANUAL"
)

// RenewalPolicy is the cluster-wide certificate renewal configuration
type RenewalPolicy struct {
	Mode                RenewalMode `json:"mode"`
	CertificateLifetime Duration    `json:"certificate_lifetime"`
}

// PreflightResult records how far the operator got in the preflight setup
type PreflightResult string

const (
	PreflightUnknown  PreflightResult = ""
	PreflightPrepared PreflightResult = "PREPARED"
	PreflightFinished PreflightResult = "FINISHED"
)

// ClusterMember maps a raft server to the API address writes are forwarded to
type ClusterMember struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	APIAddr  string `json:"api_addr"`
	Voter    bool   `json:"voter"`
}

// NotificationType identifies an operator notification kind
type NotificationType string

const (
	NotificationDataNodeNeedsProvisioning NotificationType = "DATA_NODE_NEEDS_PROVISIONING"
	NotificationCertificateNeedsRenewal   NotificationType = "CERTIFICATE_NEEDS_RENEWAL"
)

// NotificationSeverity is the urgency shown to operators
type NotificationSeverity string

const (
	SeverityNormal NotificationSeverity = "NORMAL"
	SeverityUrgent NotificationSeverity = "URGENT"
)

// Notification is the persisted form of an operator notification.
// At most one notification exists per (Type, Key).
type Notification struct {
	ID        string               `json:"id"`
	Type      NotificationType     `json:"type"`
	Key       string               `json:"key,omitempty"`
	Severity  NotificationSeverity `json:"severity"`
	Timestamp time.Time            `json:"timestamp"`
	Details   map[string]string    `json:"details,omitempty"`
}

// ClusterEvent is an entry in the replicated event outbox
type ClusterEvent struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}
