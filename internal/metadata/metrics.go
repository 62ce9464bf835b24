package metadata

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metadataOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "presenced",
		Subsystem: "metadata",
		Name:      "operations_total",
		Help:      "Metadata operations by op and outcome.",
	},
	[]string{"op", "outcome"},
)

var txRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "presenced",
		Subsystem: "metadata",
		Name:      "tx_retries_total",
		Help:      "Transactional metadata commits retried after a watch conflict.",
	},
)

var registerOnce sync.Once

func init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(metadataOps, txRetries)
	})
}

const (
	outcomeOK       = "ok"
	outcomeNoop     = "noop"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)
