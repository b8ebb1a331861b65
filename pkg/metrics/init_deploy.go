package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initDeployMetrics() {
	r.DeploysTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeploy_deploys_total",
			Help: "Total number of model deploy attempts",
		},
		[]string{"status"}, // success, error
	)

	r.DeployDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowdeploy_deploy_duration_seconds",
			Help:    "Time taken to deploy a flow model",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.DeployedModels = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdeploy_deployed_models",
			Help: "Number of currently deployed models",
		},
	)

	r.UndeploysTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeploy_undeploys_total",
			Help: "Total number of model undeploy requests",
		},
		[]string{"status"}, // success, not_found
	)
}
