package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway-wide Prometheus collectors, registered on the default registry and
// exposed via /metrics.
var (
	InstancesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_instances_received_total",
		Help: "Instances admitted past filtering, by ingress service.",
	}, []string{"service"})

	InstancesIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_instances_ignored_total",
		Help: "Instances skipped by SOP class filtering.",
	})

	ActiveAssociations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_scp_active_associations",
		Help: "Currently open DICOM associations.",
	})

	AssociationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_scp_associations_rejected_total",
		Help: "Associations rejected at admission, by reason.",
	}, []string{"reason"})

	UploadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_uploads_completed_total",
		Help: "Objects moved to the object store.",
	})

	UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_uploads_failed_total",
		Help: "Objects whose upload retries were exhausted.",
	})

	PayloadsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_payloads_published_total",
		Help: "Payloads announced as workflow requests.",
	})

	PayloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_payloads_failed_total",
		Help: "Payloads that reached the terminal Failed state.",
	})

	ExportsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_exports_completed_total",
		Help: "Export tasks finished, by aggregate status.",
	}, []string{"status"})

	Hl7MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_hl7_messages_received_total",
		Help: "HL7 messages accepted and acknowledged.",
	})
)
