package presence

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	presenceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presenced",
			Subsystem: "presence",
			Name:      "operations_total",
			Help:      "Total presence operations by type and outcome",
		},
		[]string{"op", "outcome"},
	)
	reapedConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "presenced",
			Subsystem: "presence",
			Name:      "reaped_connections_total",
			Help:      "Total expired connections cleaned up by the reaper",
		},
	)
	batchFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "presenced",
			Subsystem: "presence",
			Name:      "heartbeat_batch_size",
			Help:      "Number of connections flushed per heartbeat batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
	)
)

var registerPresenceMetrics sync.Once

func init() {
	registerPresenceMetrics.Do(func() {
		prometheus.MustRegister(presenceOps, reapedConnections, batchFlushSize)
	})
}

const (
	outcomeOK    = "ok"
	outcomeNoop  = "noop"
	outcomeError = "error"
)
