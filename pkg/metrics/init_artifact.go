package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initArtifactMetrics() {
	r.ArtifactRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeploy_artifact_requests_total",
			Help: "Artifact requests served by the model store",
		},
		[]string{"result"}, // hit, fill, not_found, error
	)
}
