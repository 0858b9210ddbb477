//Package metrics defines per-component instrumentation. Each component
//receives its own Metrics struct; constructors come in a Prometheus flavour
//for production and a no-op flavour for tests.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

//MetricsSubsystem is the subsystem label prepended to all metric names
const MetricsSubsystem = "node"

//ProcessorMetrics instruments the block processor
type ProcessorMetrics struct {
	//Blocks processed, labelled by ledger result
	BlocksProcessed metrics.Counter
	//Blocks rejected on admission because the queue was full
	Overfill metrics.Counter
	//Blocks rejected on admission with malformed work
	InsufficientWork metrics.Counter
	//Live blocks rejected by the per-source rate limiter
	RateLimited metrics.Counter
	//Forced blocks processed
	Forced metrics.Counter
	//Rollbacks that failed because a descendant was confirmed
	RollbackFailed metrics.Counter
	//Blocks rolled back
	RolledBack metrics.Counter
	//Current queue size
	QueueSize metrics.Gauge
}

//PrometheusProcessorMetrics returns processor metrics backed by Prometheus
func PrometheusProcessorMetrics(namespace string) *ProcessorMetrics {
	return &ProcessorMetrics{
		BlocksProcessed: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processor_blocks_processed",
			Help:      "Number of blocks processed, by ledger result.",
		}, []string{"result"}),
		Overfill: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processor_overfill",
			Help:      "Number of blocks dropped because the processor queue was full.",
		}, nil),
		InsufficientWork: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processor_insufficient_work",
			Help:      "Number of blocks rejected on admission with invalid work.",
		}, nil),
		RateLimited: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processor_rate_limited",
			Help:      "Number of live blocks rejected by the rate limiter.",
		}, nil),
		Forced: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processor_forced",
			Help:      "Number of forced blocks processed.",
		}, nil),
		RollbackFailed: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processor_rollback_failed",
			Help:      "Number of rollbacks refused because a descendant was confirmed.",
		}, nil),
		RolledBack: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processor_rolled_back",
			Help:      "Number of blocks rolled back.",
		}, nil),
		QueueSize: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processor_queue_size",
			Help:      "Number of blocks waiting in the processor queue.",
		}, nil),
	}
}

//NopProcessorMetrics returns processor metrics that discard all observations
func NopProcessorMetrics() *ProcessorMetrics {
	return &ProcessorMetrics{
		BlocksProcessed:  discard.NewCounter(),
		Overfill:         discard.NewCounter(),
		InsufficientWork: discard.NewCounter(),
		RateLimited:      discard.NewCounter(),
		Forced:           discard.NewCounter(),
		RollbackFailed:   discard.NewCounter(),
		RolledBack:       discard.NewCounter(),
		QueueSize:        discard.NewGauge(),
	}
}

//ElectionMetrics instruments active elections
type ElectionMetrics struct {
	//Elections started, labelled by behavior
	Started metrics.Counter
	//Elections confirmed
	Confirmed metrics.Counter
	//Elections dropped, labelled by reason
	Dropped metrics.Counter
	//Competing blocks added to a running election
	PublishConflicts metrics.Counter
	//Currently active elections
	Active metrics.Gauge
}

//PrometheusElectionMetrics returns election metrics backed by Prometheus
func PrometheusElectionMetrics(namespace string) *ElectionMetrics {
	return &ElectionMetrics{
		Started: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "elections_started",
			Help:      "Number of elections started, by behavior.",
		}, []string{"behavior"}),
		Confirmed: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "elections_confirmed",
			Help:      "Number of elections confirmed.",
		}, nil),
		Dropped: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "elections_dropped",
			Help:      "Number of elections dropped, by reason.",
		}, []string{"reason"}),
		PublishConflicts: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "elections_publish_conflicts",
			Help:      "Number of competing blocks added to running elections.",
		}, nil),
		Active: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "elections_active",
			Help:      "Number of currently active elections.",
		}, nil),
	}
}

//NopElectionMetrics returns election metrics that discard all observations
func NopElectionMetrics() *ElectionMetrics {
	return &ElectionMetrics{
		Started:          discard.NewCounter(),
		Confirmed:        discard.NewCounter(),
		Dropped:          discard.NewCounter(),
		PublishConflicts: discard.NewCounter(),
		Active:           discard.NewGauge(),
	}
}

//ConfirmingMetrics instruments the confirming set
type ConfirmingMetrics struct {
	Cemented        metrics.Counter
	AlreadyCemented metrics.Counter
	PendingSize     metrics.Gauge
}

//PrometheusConfirmingMetrics returns cementing metrics backed by Prometheus
func PrometheusConfirmingMetrics(namespace string) *ConfirmingMetrics {
	return &ConfirmingMetrics{
		Cemented: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirming_cemented",
			Help:      "Number of blocks cemented.",
		}, nil),
		AlreadyCemented: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirming_already_cemented",
			Help:      "Number of hashes that were already cemented when processed.",
		}, nil),
		PendingSize: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirming_pending",
			Help:      "Number of hashes waiting to be cemented.",
		}, nil),
	}
}

//NopConfirmingMetrics returns cementing metrics that discard all observations
func NopConfirmingMetrics() *ConfirmingMetrics {
	return &ConfirmingMetrics{
		Cemented:        discard.NewCounter(),
		AlreadyCemented: discard.NewCounter(),
		PendingSize:     discard.NewGauge(),
	}
}

//TransportMetrics instruments the TCP listener and channels
type TransportMetrics struct {
	ConnectionsAccepted metrics.Counter
	//Inbound connections rejected, labelled by reason
	ConnectionsRejected metrics.Counter
	//Send-queue entries dropped, labelled by traffic type
	SendDrops metrics.Counter
	//Socket write errors, labelled by error code
	SendErrors    metrics.Counter
	BytesSent     metrics.Counter
	BytesReceived metrics.Counter
}

//PrometheusTransportMetrics returns transport metrics backed by Prometheus
func PrometheusTransportMetrics(namespace string) *TransportMetrics {
	return &TransportMetrics{
		ConnectionsAccepted: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tcp_connections_accepted",
			Help:      "Number of inbound connections accepted.",
		}, nil),
		ConnectionsRejected: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tcp_connections_rejected",
			Help:      "Number of inbound connections rejected, by reason.",
		}, []string{"reason"}),
		SendDrops: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tcp_send_drops",
			Help:      "Number of send-queue entries dropped, by traffic type.",
		}, []string{"traffic"}),
		SendErrors: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tcp_send_errors",
			Help:      "Number of socket write errors, by error code.",
		}, []string{"code"}),
		BytesSent: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tcp_bytes_sent",
			Help:      "Total bytes written to peers.",
		}, nil),
		BytesReceived: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tcp_bytes_received",
			Help:      "Total bytes read from peers.",
		}, nil),
	}
}

//NopTransportMetrics returns transport metrics that discard all observations
func NopTransportMetrics() *TransportMetrics {
	return &TransportMetrics{
		ConnectionsAccepted: discard.NewCounter(),
		ConnectionsRejected: discard.NewCounter(),
		SendDrops:           discard.NewCounter(),
		SendErrors:          discard.NewCounter(),
		BytesSent:           discard.NewCounter(),
		BytesReceived:       discard.NewCounter(),
	}
}

//SchedulerMetrics instruments the priority scheduler buckets
type SchedulerMetrics struct {
	Inserted metrics.Counter
	//Blocks evicted from a full bucket
	Evicted   metrics.Counter
	Activated metrics.Counter
}

//PrometheusSchedulerMetrics returns scheduler metrics backed by Prometheus
func PrometheusSchedulerMetrics(namespace string) *SchedulerMetrics {
	return &SchedulerMetrics{
		Inserted: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "scheduler_inserted",
			Help:      "Number of blocks inserted into scheduler buckets.",
		}, nil),
		Evicted: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "scheduler_evicted",
			Help:      "Number of blocks evicted from full buckets.",
		}, nil),
		Activated: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "scheduler_activated",
			Help:      "Number of elections activated from buckets.",
		}, nil),
	}
}

//NopSchedulerMetrics returns scheduler metrics that discard all observations
func NopSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{
		Inserted:  discard.NewCounter(),
		Evicted:   discard.NewCounter(),
		Activated: discard.NewCounter(),
	}
}
