package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CA metrics
	CertificatesSigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "certwarden_certificates_signed_total",
			Help: "Total number of node certificates signed by the CA",
		},
	)

	CASignDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "certwarden_ca_sign_duration_seconds",
			Help:    "Time taken to sign a certificate request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CAExpiry = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certwarden_ca_expiry_timestamp_seconds",
			Help: "Expiration of the active CA certificate as a unix timestamp (0 = no CA)",
		},
	)

	// Provisioning metrics
	ProvisioningNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "certwarden_provisioning_nodes",
			Help: "Number of data nodes by provisioning state",
		},
		[]string{"state"},
	)

	ProvisioningTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "certwarden_provisioning_tick_duration_seconds",
			Help:    "Duration of one provisioning periodical run in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certwarden_state_transitions_total",
			Help: "Total number of provisioning state transitions",
		},
		[]string{"from", "to"},
	)

	// Renewal metrics
	RenewalChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certwarden_renewal_checks_total",
			Help: "Total number of node certificate renewal checks by result",
		},
		[]string{"result"},
	)

	NotificationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certwarden_notifications_active",
			Help: "Number of active operator notifications",
		},
	)

	// Cluster metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certwarden_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certwarden_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certwarden_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	EventsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certwarden_events_relayed_total",
			Help: "Total number of cluster events relayed to local handlers",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certwarden_events_dropped_total",
			Help: "Total number of events not delivered to a local subscriber with a full buffer",
		},
		[]string{"type"},
	)

	ReconciliationFixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certwarden_reconciliation_fixes_total",
			Help: "Total number of provisioning records repaired by the reconciler",
		},
		[]string{"rule"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certwarden_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certwarden_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(CertificatesSigned)
	prometheus.MustRegister(CASignDuration)
	prometheus.MustRegister(CAExpiry)
	prometheus.MustRegister(ProvisioningNodes)
	prometheus.MustRegister(ProvisioningTickDuration)
	prometheus.MustRegister(StateTransitions)
	prometheus.MustRegister(RenewalChecks)
	prometheus.MustRegister(NotificationsActive)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(EventsRelayed)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(ReconciliationFixes)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
