package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the deployer
type Registry struct {
	// Deploy Metrics
	DeploysTotal   *prometheus.CounterVec
	DeployDuration prometheus.Histogram
	DeployedModels prometheus.Gauge
	UndeploysTotal *prometheus.CounterVec

	// Queue Metrics
	QueueOperationsTotal *prometheus.CounterVec
	QueueBytesTotal      *prometheus.CounterVec
	BindingsTotal        *prometheus.CounterVec

	// Artifact Metrics
	ArtifactRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initDeployMetrics()
	r.initQueueMetrics()
	r.initArtifactMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
