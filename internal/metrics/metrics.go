// Package metrics provides Prometheus metrics for the custody service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the custody service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Registry metrics
	DocumentsCreatedTotal prometheus.Counter
	VersionsAppendedTotal prometheus.Counter
	VersionRetriesTotal   prometheus.Counter
	SharesGrantedTotal    prometheus.Counter
	LedgerAppendsTotal    *prometheus.CounterVec

	// Approval metrics
	ApprovalsSubmittedTotal prometheus.Counter
	DecisionsTotal          *prometheus.CounterVec
	ApprovalOutcomesTotal   *prometheus.CounterVec

	// Verification metrics
	VerificationsIssuedTotal  prometheus.Counter
	VerificationResolvesTotal *prometheus.CounterVec

	// Notification metrics
	NotificationsDroppedTotal prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time

	stop chan struct{}
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ServerStartTime: time.Now(),
		stop:            make(chan struct{}),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Store metrics
	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_store_operations_total",
			Help: "Total number of metadata store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_store_operation_duration_seconds",
			Help:    "Duration of metadata store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// Registry metrics
	m.DocumentsCreatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_documents_created_total",
			Help: "Total number of documents created",
		},
	)

	m.VersionsAppendedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_versions_appended_total",
			Help: "Total number of document versions appended after the first",
		},
	)

	m.VersionRetriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_version_retries_total",
			Help: "Total number of updates retried after losing a version race",
		},
	)

	m.SharesGrantedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_shares_granted_total",
			Help: "Total number of share grants created or refreshed",
		},
	)

	m.LedgerAppendsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_ledger_appends_total",
			Help: "Total number of ledger appends by event type and status",
		},
		[]string{"event", "status"},
	)

	// Approval metrics
	m.ApprovalsSubmittedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_approvals_submitted_total",
			Help: "Total number of approval requests submitted",
		},
	)

	m.DecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_approval_decisions_total",
			Help: "Total number of approver decisions recorded",
		},
		[]string{"decision"},
	)

	m.ApprovalOutcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_approval_outcomes_total",
			Help: "Total number of approval requests reaching a terminal status",
		},
		[]string{"status"},
	)

	// Verification metrics
	m.VerificationsIssuedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_verifications_issued_total",
			Help: "Total number of verification codes issued",
		},
	)

	m.VerificationResolvesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_verification_resolves_total",
			Help: "Total number of verification lookups by result",
		},
		[]string{"result"},
	)

	m.NotificationsDroppedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_notifications_dropped_total",
			Help: "Total number of notifications dropped or failed",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-m.stop:
			return
		}
	}
}

// Stop ends the uptime updater
func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// GrpcInFlight adjusts the in-flight gauge by delta
func (m *Metrics) GrpcInFlight(delta float64) {
	if m == nil {
		return
	}
	m.GrpcRequestsInFlight.Add(delta)
}

// RecordStoreOperation records a metadata store operation
func (m *Metrics) RecordStoreOperation(operation string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDocumentCreated counts a new document
func (m *Metrics) RecordDocumentCreated() {
	if m == nil {
		return
	}
	m.DocumentsCreatedTotal.Inc()
}

// RecordVersionAppended counts a new version
func (m *Metrics) RecordVersionAppended() {
	if m == nil {
		return
	}
	m.VersionsAppendedTotal.Inc()
}

// RecordVersionRetry counts an update that lost a version race
func (m *Metrics) RecordVersionRetry() {
	if m == nil {
		return
	}
	m.VersionRetriesTotal.Inc()
}

// RecordShare counts a grant
func (m *Metrics) RecordShare() {
	if m == nil {
		return
	}
	m.SharesGrantedTotal.Inc()
}

// RecordLedgerAppend records a ledger append by event type
func (m *Metrics) RecordLedgerAppend(event string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LedgerAppendsTotal.WithLabelValues(event, status).Inc()
}

// RecordApprovalSubmitted counts a new approval request
func (m *Metrics) RecordApprovalSubmitted() {
	if m == nil {
		return
	}
	m.ApprovalsSubmittedTotal.Inc()
}

// RecordDecision counts an approver decision
func (m *Metrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordApprovalOutcome counts a request reaching a terminal status
func (m *Metrics) RecordApprovalOutcome(status string) {
	if m == nil {
		return
	}
	m.ApprovalOutcomesTotal.WithLabelValues(status).Inc()
}

// RecordVerificationIssued counts an issued code
func (m *Metrics) RecordVerificationIssued() {
	if m == nil {
		return
	}
	m.VerificationsIssuedTotal.Inc()
}

// RecordVerificationResolve records a public lookup by result
func (m *Metrics) RecordVerificationResolve(result string) {
	if m == nil {
		return
	}
	m.VerificationResolvesTotal.WithLabelValues(result).Inc()
}

// RecordNotificationDropped counts a dropped notification
func (m *Metrics) RecordNotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDroppedTotal.Inc()
}
