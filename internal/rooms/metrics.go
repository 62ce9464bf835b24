package rooms

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var activeClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "presenced",
		Subsystem: "rooms",
		Name:      "active_clients",
		Help:      "Websocket clients currently attached to this instance.",
	},
)

var registerOnce sync.Once

func init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(activeClients)
	})
}
