package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for ipcore_channel_frames_dropped_total
const (
	DropReasonUnknownPort    = "unknown_port"
	DropReasonPendingRemoval = "pending_removal"
	DropReasonBadAttachment  = "bad_attachment"
	DropReasonBadControl     = "bad_control"
	DropReasonShutdown       = "shutdown"
)

var (
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Frames moved over channel transports",
		},
		[]string{"direction", "kind"},
	)
	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "channel",
			Name:      "bytes_total",
			Help:      "Frame bytes moved over channel transports",
		},
		[]string{"direction"},
	)
	framesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "channel",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped instead of delivered",
		},
		[]string{"reason"},
	)
	messagesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ipcore",
			Subsystem: "channel",
			Name:      "messages_lost_total",
			Help:      "Messages delivered to an endpoint whose client had already detached",
		},
	)
	activeChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ipcore",
			Subsystem: "channel",
			Name:      "active",
			Help:      "Channels initialized and not yet shut down",
		},
	)
)
