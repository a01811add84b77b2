package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"rov-surface/common"
	"rov-surface/fuser"
)

func TestObserverMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObserver(reg)

	obs.RecordAnomaly(common.TargetActuator, common.AnomalyMalformedFrame)
	obs.RecordAnomaly(common.TargetActuator, common.AnomalyMalformedFrame)
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.anomalies.WithLabelValues("actuator", "malformed_frame")))

	obs.ObserveInputs([]common.Input{
		common.SensorFault{Source: common.SourcePH, Reason: "device absent"},
		common.CommandOutcome{CommandID: "c1", Target: common.TargetVehicle, Result: common.ResultFailed, Reason: common.ReasonLinkDown},
		common.Reading{Source: common.SourcePH},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.faults.WithLabelValues("ph")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.outcomes.WithLabelValues("vehicle", "failed", "link_down")))

	obs.ObserveState(fuser.VehicleState{
		Version:         42,
		PendingCommands: 3,
		LinkHealth:      fuser.LinkHealth{Actuator: common.HealthUp, Vehicle: common.HealthDegraded},
	})
	assert.Equal(t, 42.0, testutil.ToFloat64(obs.version))
	assert.Equal(t, 3.0, testutil.ToFloat64(obs.pending))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.linkHealth.WithLabelValues("actuator")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.linkHealth.WithLabelValues("vehicle")))

	obs.ObserveTick(5 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(obs.tick))
}

func TestObserverImplementsRecorder(t *testing.T) {
	var _ common.AnomalyRecorder = NewObserver(prometheus.NewRegistry())
}
