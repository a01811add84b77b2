package fuser

import (
	"log"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"rov-surface/common"
)

var logger = log.New(os.Stdout, "[State-Fuser] ", log.LstdFlags|log.Lshortfile)

// Config представляет настройки слияния
type Config struct {
	FaultGrace     int `mapstructure:"fault_grace"`     // ошибок подряд до сброса поля
	OutcomeHistory int `mapstructure:"outcome_history"` // сколько последних итогов команд хранить
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{FaultGrace: 3, OutcomeHistory: 32}
}

// Fuser сливает показания, ошибки датчиков, итоги команд и состояние
// каналов в новый снимок VehicleState
type Fuser struct {
	config Config
}

// New создает Fuser
func New(config Config) *Fuser {
	if config.FaultGrace < 1 {
		config.FaultGrace = 1
	}
	if config.OutcomeHistory < 1 {
		config.OutcomeHistory = DefaultConfig().OutcomeHistory
	}
	return &Fuser{config: config}
}

// Fuse возвращает следующее состояние. current не изменяется.
// Version увеличивается только если изменилось хотя бы одно поле.
func (f *Fuser) Fuse(current VehicleState, inputs []common.Input) VehicleState {
	next := current.clone()
	changed := false

	for _, in := range inputs {
		var c bool
		switch v := in.(type) {
		case common.Reading:
			c = f.applyReading(&next, v)
		case common.SensorFault:
			c = f.applyFault(&next, v)
		case common.CommandOutcome:
			c = f.applyOutcome(&next, v)
		case common.LinkStatus:
			c = f.applyLink(&next, v)
		default:
			logger.Printf("Ignoring input of type %T", in)
		}
		if c {
			changed = true
			if in.At().After(next.UpdatedAt) {
				next.UpdatedAt = in.At()
			}
		}
	}

	if changed {
		next.Version = current.Version + 1
	}
	return next
}

func (f *Fuser) applyReading(s *VehicleState, r common.Reading) bool {
	if math.IsNaN(r.Value.Number) || math.IsInf(r.Value.Number, 0) {
		logger.Printf("Ignoring non-finite reading %s/%s", r.Source, r.Field)
		return false
	}
	key := fieldKey{r.Source, r.Field}
	if r.Timestamp.Before(s.stamps[key]) {
		return false
	}
	s.stamps[key] = r.Timestamp
	delete(s.faultCounts, key)
	delete(s.faultCounts, fieldKey{source: r.Source})

	switch r.Source {
	case common.SourceTemperature:
		if old, ok := s.Probes[r.Field]; ok && old == r.Value.Number {
			return false
		}
		s.Probes[r.Field] = r.Value.Number
		s.TemperatureC = mean(s.Probes)
		return true
	case common.SourcePH:
		if s.PH != nil && *s.PH == r.Value.Number {
			return false
		}
		ph := r.Value.Number
		s.PH = &ph
		return true
	case common.SourceActuatorTelemetry:
		if old, ok := s.ActuatorPositions[r.Field]; ok && old == r.Value.Number {
			return false
		}
		s.ActuatorPositions[r.Field] = r.Value.Number
		return true
	case common.SourceVehicleTelemetry:
		if old, ok := s.VehicleTelemetry[r.Field]; ok && old == r.Value {
			return false
		}
		s.VehicleTelemetry[r.Field] = r.Value
		return true
	}
	logger.Printf("Reading from unknown source %s", r.Source)
	return false
}

// applyFault считает ошибки подряд и сбрасывает поле в "неизвестно"
// по достижении порога
func (f *Fuser) applyFault(s *VehicleState, fault common.SensorFault) bool {
	key := fieldKey{fault.Source, fault.Field}
	if fault.Timestamp.Before(f.newestStamp(s, key)) {
		return false
	}

	s.faultCounts[key]++
	if s.faultCounts[key] < f.config.FaultGrace {
		return false
	}

	changed := false
	for _, k := range f.fieldsOf(s, key) {
		if f.clearField(s, k) {
			changed = true
		}
		s.stamps[k] = fault.Timestamp
	}
	if changed {
		logger.Printf("Cleared %s after %d consecutive faults: %s", fault.Source, s.faultCounts[key], fault.Reason)
	}
	return changed
}

// newestStamp для ошибки всего источника возвращает самую свежую метку его полей
func (f *Fuser) newestStamp(s *VehicleState, key fieldKey) time.Time {
	if key.field != "" {
		return s.stamps[key]
	}
	var newest time.Time
	for k, ts := range s.stamps {
		if k.source == key.source && ts.After(newest) {
			newest = ts
		}
	}
	return newest
}

// fieldsOf возвращает поля, на которые распространяется ошибка
func (f *Fuser) fieldsOf(s *VehicleState, key fieldKey) []fieldKey {
	if key.field != "" || key.source == common.SourcePH {
		return []fieldKey{key}
	}
	var keys []fieldKey
	add := func(field string) { keys = append(keys, fieldKey{key.source, field}) }
	switch key.source {
	case common.SourceTemperature:
		for addr := range s.Probes {
			add(addr)
		}
	case common.SourceActuatorTelemetry:
		for id := range s.ActuatorPositions {
			add(id)
		}
	case common.SourceVehicleTelemetry:
		for name := range s.VehicleTelemetry {
			add(name)
		}
	}
	return keys
}

func (f *Fuser) clearField(s *VehicleState, key fieldKey) bool {
	switch key.source {
	case common.SourceTemperature:
		if _, ok := s.Probes[key.field]; !ok {
			return false
		}
		delete(s.Probes, key.field)
		s.TemperatureC = mean(s.Probes)
		return true
	case common.SourcePH:
		if s.PH == nil {
			return false
		}
		s.PH = nil
		return true
	case common.SourceActuatorTelemetry:
		if _, ok := s.ActuatorPositions[key.field]; !ok {
			return false
		}
		delete(s.ActuatorPositions, key.field)
		return true
	case common.SourceVehicleTelemetry:
		if _, ok := s.VehicleTelemetry[key.field]; !ok {
			return false
		}
		delete(s.VehicleTelemetry, key.field)
		return true
	}
	return false
}

func (f *Fuser) applyOutcome(s *VehicleState, o common.CommandOutcome) bool {
	s.RecentOutcomes = append(s.RecentOutcomes, o)
	if extra := len(s.RecentOutcomes) - f.config.OutcomeHistory; extra > 0 {
		s.RecentOutcomes = append([]common.CommandOutcome(nil), s.RecentOutcomes[extra:]...)
	}
	return true
}

func (f *Fuser) applyLink(s *VehicleState, ls common.LinkStatus) bool {
	if ls.Timestamp.Before(s.linkStamps[ls.Target]) {
		return false
	}
	s.linkStamps[ls.Target] = ls.Timestamp

	var h *common.Health
	switch ls.Target {
	case common.TargetActuator:
		h = &s.LinkHealth.Actuator
	case common.TargetVehicle:
		h = &s.LinkHealth.Vehicle
	default:
		return false
	}
	if *h == ls.Health {
		return false
	}
	logger.Printf("Link %s is %s %s", ls.Target, ls.Health, strings.TrimSpace(ls.Reason))
	*h = ls.Health
	return true
}

func mean(values map[string]float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	// порядок суммирования фиксирован, чтобы среднее не зависело от обхода map
	var sum float64
	for _, k := range slices.Sorted(maps.Keys(values)) {
		sum += values[k]
	}
	m := sum / float64(len(values))
	return &m
}
