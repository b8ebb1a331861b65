package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initQueueMetrics() {
	r.QueueOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeploy_queue_operations_total",
			Help: "Total number of device queue operations",
		},
		[]string{"op", "status"},
	)

	r.QueueBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeploy_queue_bytes_total",
			Help: "Bytes moved through device queues",
		},
		[]string{"direction"}, // enqueue, dequeue, relay, network_out, network_in
	)

	r.BindingsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeploy_bindings_total",
			Help: "Total number of queue binding attempts",
		},
		[]string{"status"},
	)
}
