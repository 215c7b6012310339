package storage

import "github.com/prometheus/client_golang/prometheus"

type StoreMetrics struct {
	findDuration           prometheus.Summary
	recoveryDuration       prometheus.Summary
	indexFlushDuration     prometheus.Summary
	logFsyncDuration       prometheus.Summary
	nonzeroMessageRecovery prometheus.Counter
	segmentRollovers       prometheus.Counter
	flushFailures          prometheus.Counter
}

func NewStoreMetrics(registerer prometheus.Registerer) *StoreMetrics {
	registerer = prometheus.WrapRegistererWithPrefix("storage_index_", registerer)

	m := &StoreMetrics{}

	m.findDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "find_duration_seconds",
		Help:       "Duration of key lookups across segments.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.recoveryDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "recovery_duration_seconds",
		Help: "Duration of index recovery on startup.",
	})

	m.indexFlushDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "flush_duration_seconds",
		Help: "Duration of background index flushes.",
	})

	m.logFsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "log_fsync_duration_seconds",
		Help:       "Duration of log fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.nonzeroMessageRecovery = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nonzero_message_recovery_total",
		Help: "Total number of startup recovery passes that recovered messages from the log.",
	})

	m.segmentRollovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segment_rollovers_total",
		Help: "Total number of index segment rollovers.",
	})

	m.flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flush_failures_total",
		Help: "Total number of background index flushes that failed.",
	})

	registerer.MustRegister(m.findDuration, m.recoveryDuration, m.indexFlushDuration,
		m.logFsyncDuration, m.nonzeroMessageRecovery, m.segmentRollovers, m.flushFailures)

	return m
}
