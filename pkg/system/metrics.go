package system

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "message_pipe",
			Name:      "messages_total",
			Help:      "Messages written to and read from message pipes",
		},
		[]string{"op"},
	)
	dataPipeBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "data_pipe",
			Name:      "bytes_total",
			Help:      "Bytes moved through data pipes",
		},
		[]string{"op"},
	)
	dataPipeChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "data_pipe",
			Name:      "chunks_total",
			Help:      "Chunk and ack messages exchanged by remote data pipes",
		},
		[]string{"type", "direction"},
	)
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "dispatcher",
			Name:      "transfers_total",
			Help:      "Dispatchers handed off, in process or over a channel",
		},
		[]string{"type", "mode"},
	)
	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ipcore",
			Subsystem: "core",
			Name:      "handles",
			Help:      "Handles currently in the handle table",
		},
	)
)
