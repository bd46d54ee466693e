package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txncore",
			Subsystem: "txn",
			Name:      "events",
			Help:      "Counter of transaction outcomes.",
		}, []string{"type"})

	lockCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txncore",
			Subsystem: "lock",
			Name:      "events",
			Help:      "Counter of lock manager events.",
		}, []string{"type"})

	walCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txncore",
			Subsystem: "wal",
			Name:      "events",
			Help:      "Counter of wal events.",
		}, []string{"type"})

	walBatchRecords = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txncore",
			Subsystem: "wal",
			Name:      "batch_records",
			Help:      "Records per group commit flush.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		})

	mvccGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txncore",
			Subsystem: "mvcc",
			Name:      "state",
			Help:      "Version store and snapshot sizes.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(lockCounter)
	prometheus.MustRegister(walCounter)
	prometheus.MustRegister(walBatchRecords)
	prometheus.MustRegister(mvccGauge)
}
