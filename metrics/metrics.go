package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rov-surface/common"
	"rov-surface/fuser"
)

// Observer собирает метрики станции
type Observer struct {
	anomalies  *prometheus.CounterVec
	faults     *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	linkHealth *prometheus.GaugeVec
	version    prometheus.Gauge
	pending    prometheus.Gauge
	tick       prometheus.Histogram
}

// NewObserver создает метрики и регистрирует их в reg
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rov_protocol_anomalies_total",
			Help: "Malformed frames or messages, duplicate outcomes and unknown correlations.",
		}, []string{"target", "kind"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rov_sensor_faults_total",
			Help: "Sensor read faults by source.",
		}, []string{"source"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rov_command_outcomes_total",
			Help: "Finalized command outcomes.",
		}, []string{"target", "result", "reason"}),
		linkHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rov_link_health",
			Help: "Link health: 0 down, 1 degraded, 2 up.",
		}, []string{"target"}),
		version: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rov_state_version",
			Help: "Version of the last published vehicle state.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rov_commands_pending",
			Help: "Commands awaiting an outcome.",
		}),
		tick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rov_tick_duration_seconds",
			Help:    "Control loop tick duration.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
	reg.MustRegister(o.anomalies, o.faults, o.outcomes, o.linkHealth, o.version, o.pending, o.tick)
	return o
}

// RecordAnomaly реализует common.AnomalyRecorder
func (o *Observer) RecordAnomaly(target common.Target, kind string) {
	o.anomalies.WithLabelValues(target.String(), kind).Inc()
}

// ObserveInputs учитывает ошибки датчиков и итоги команд одного такта
func (o *Observer) ObserveInputs(inputs []common.Input) {
	for _, in := range inputs {
		switch v := in.(type) {
		case common.SensorFault:
			o.faults.WithLabelValues(v.Source.String()).Inc()
		case common.CommandOutcome:
			o.outcomes.WithLabelValues(v.Target.String(), v.Result.String(), v.Reason).Inc()
		}
	}
}

// ObserveState обновляет показатели опубликованного снимка
func (o *Observer) ObserveState(s fuser.VehicleState) {
	o.version.Set(float64(s.Version))
	o.pending.Set(float64(s.PendingCommands))
	o.linkHealth.WithLabelValues(common.TargetActuator.String()).Set(float64(s.LinkHealth.Actuator))
	o.linkHealth.WithLabelValues(common.TargetVehicle.String()).Set(float64(s.LinkHealth.Vehicle))
}

// ObserveTick записывает длительность такта
func (o *Observer) ObserveTick(d time.Duration) {
	o.tick.Observe(d.Seconds())
}
