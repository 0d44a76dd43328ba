package command

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// commandRequests counts dispatched commands by command name
	commandRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modkernel_command_requests_total",
			Help: "Total authenticated command channel requests by command",
		},
		[]string{"command"},
	)

	// commandRejections counts connections closed before dispatch
	commandRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modkernel_command_rejections_total",
			Help: "Total command channel connections rejected by reason",
		},
		[]string{"reason"},
	)

	// commandResponders tracks outstanding asynchronous responders
	commandResponders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modkernel_command_async_responders",
			Help: "Number of asynchronous command responders waiting to reply",
		},
	)
)

func recordRequest(command string) {
	commandRequests.WithLabelValues(command).Inc()
}

func recordRejection(reason string) {
	commandRejections.WithLabelValues(reason).Inc()
}
