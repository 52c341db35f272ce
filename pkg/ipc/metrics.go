package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ipcore",
			Subsystem: "ipc",
			Name:      "connected_processes",
			Help:      "Slave processes with a live channel to this master",
		},
	)
	handshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "ipc",
			Name:      "handshakes_total",
			Help:      "Bootstrap handshakes by direction and result",
		},
		[]string{"direction", "result"},
	)
	disconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "ipc",
			Name:      "disconnects_total",
			Help:      "Peer processes reported as disconnected",
		},
		[]string{"peer"},
	)
)
