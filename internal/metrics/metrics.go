package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion worker
type Metrics struct {
	MessagesReceived  prometheus.Counter
	MessagesIngested  prometheus.Counter
	MessagesDiscarded *prometheus.CounterVec
	Reconnects        prometheus.Counter
	ConnectionState   prometheus.Gauge
	DirectorySize     prometheus.Gauge
	DedupEntries      prometheus.Gauge
	ProcessingTime    prometheus.Histogram
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crm_mail_ingest_messages_received_total",
			Help: "Total number of messages delivered by the mailbox connection",
		}),
		MessagesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crm_mail_ingest_messages_ingested_total",
			Help: "Total number of messages persisted as inbound email records",
		}),
		MessagesDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_mail_ingest_messages_discarded_total",
			Help: "Total number of messages discarded by the pipeline, by reason",
		}, []string{"reason"}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crm_mail_ingest_reconnects_total",
			Help: "Total number of mailbox connection failures observed",
		}),
		ConnectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crm_mail_ingest_connection_state",
			Help: "Current mailbox connection state (0=disconnected 1=connecting 2=connected 3=reconnect_pending 4=stopped)",
		}),
		DirectorySize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crm_mail_ingest_directory_size",
			Help: "Number of addresses in the user directory cache",
		}),
		DedupEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crm_mail_ingest_dedup_entries",
			Help: "Number of message ids remembered by the dedup guard",
		}),
		ProcessingTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crm_mail_ingest_processing_duration_seconds",
			Help:    "Time spent processing a single message",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
