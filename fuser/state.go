package fuser

import (
	"maps"
	"time"

	"rov-surface/common"
)

// LinkHealth состояние обоих каналов связи
type LinkHealth struct {
	Actuator common.Health `json:"actuator"`
	Vehicle  common.Health `json:"vehicle"`
}

// VehicleState объединенное состояние аппарата. Опубликованный снимок
// не изменяется: каждое слияние создает новую копию.
type VehicleState struct {
	TemperatureC      *float64                `json:"temperature_c"` // среднее по известным датчикам
	PH                *float64                `json:"ph"`
	Probes            map[string]float64      `json:"probes"`
	ActuatorPositions map[string]float64      `json:"actuator_positions"`
	VehicleTelemetry  map[string]common.Value `json:"vehicle_telemetry"`
	LinkHealth        LinkHealth              `json:"link_health"`
	Version           uint64                  `json:"version"`
	RecentOutcomes    []common.CommandOutcome `json:"recent_outcomes"`
	PendingCommands   int                     `json:"pending_commands"`
	UpdatedAt         time.Time               `json:"updated_at"`

	stamps      map[fieldKey]time.Time
	linkStamps  map[common.Target]time.Time
	faultCounts map[fieldKey]int
}

// fieldKey ключ поля для правила last-writer-wins
type fieldKey struct {
	source common.Source
	field  string
}

// Telemetry возвращает поле телеметрии аппарата
func (s VehicleState) Telemetry(field string) (common.Value, bool) {
	v, ok := s.VehicleTelemetry[field]
	return v, ok
}

// Health возвращает состояние канала к адресату
func (s VehicleState) Health(target common.Target) common.Health {
	switch target {
	case common.TargetActuator:
		return s.LinkHealth.Actuator
	case common.TargetVehicle:
		return s.LinkHealth.Vehicle
	}
	return common.HealthDown
}

// FaultCount возвращает число подряд идущих ошибок поля источника
func (s VehicleState) FaultCount(source common.Source, field string) int {
	return s.faultCounts[fieldKey{source, field}]
}

func (s VehicleState) clone() VehicleState {
	next := s
	next.TemperatureC = cloneFloat(s.TemperatureC)
	next.PH = cloneFloat(s.PH)
	next.Probes = cloneMap(s.Probes)
	next.ActuatorPositions = cloneMap(s.ActuatorPositions)
	next.VehicleTelemetry = cloneMap(s.VehicleTelemetry)
	next.RecentOutcomes = append([]common.CommandOutcome(nil), s.RecentOutcomes...)
	next.stamps = cloneMap(s.stamps)
	next.linkStamps = cloneMap(s.linkStamps)
	next.faultCounts = cloneMap(s.faultCounts)
	return next
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return maps.Clone(m)
}
