package metrics

import (
	"time"
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordDeploy records a deploy attempt with its duration.
// All Record methods are no-ops on a nil registry.
func (r *Registry) RecordDeploy(err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.DeploysTotal.WithLabelValues(statusLabel(err)).Inc()
	r.DeployDuration.Observe(duration.Seconds())
	if err == nil {
		r.DeployedModels.Inc()
	}
}

// RecordUndeploy records an undeploy request
func (r *Registry) RecordUndeploy(found bool) {
	if r == nil {
		return
	}
	if !found {
		r.UndeploysTotal.WithLabelValues("not_found").Inc()
		return
	}
	r.UndeploysTotal.WithLabelValues("success").Inc()
	r.DeployedModels.Dec()
}

// RecordQueueOperation records a device queue operation
func (r *Registry) RecordQueueOperation(op string, err error) {
	if r == nil {
		return
	}
	r.QueueOperationsTotal.WithLabelValues(op, statusLabel(err)).Inc()
}

// RecordQueueBytes records payload bytes moved in the given direction
func (r *Registry) RecordQueueBytes(direction string, n int) {
	if r == nil {
		return
	}
	r.QueueBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordBinding records a queue binding attempt
func (r *Registry) RecordBinding(err error) {
	if r == nil {
		return
	}
	r.BindingsTotal.WithLabelValues(statusLabel(err)).Inc()
}

// RecordArtifactRequest records how the model store answered an artifact request
func (r *Registry) RecordArtifactRequest(result string) {
	if r == nil {
		return
	}
	r.ArtifactRequestsTotal.WithLabelValues(result).Inc()
}
