package common

import (
	"fmt"
	"time"
)

// Source определяет источник показания
type Source int

const (
	SourceTemperature Source = iota + 1
	SourcePH
	SourceActuatorTelemetry
	SourceVehicleTelemetry
)

var sourceNames = map[Source]string{
	SourceTemperature:       "temperature",
	SourcePH:                "ph",
	SourceActuatorTelemetry: "actuator_telemetry",
	SourceVehicleTelemetry:  "vehicle_telemetry",
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// MarshalText позволяет использовать Source как ключ и значение в JSON
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText разбирает имя источника
func (s *Source) UnmarshalText(text []byte) error {
	for src, name := range sourceNames {
		if name == string(text) {
			*s = src
			return nil
		}
	}
	return fmt.Errorf("unknown source %q", text)
}

// Value значение показания: число или текст (для структурированной телеметрии)
type Value struct {
	Number float64 `json:"number"`
	Text   string  `json:"text,omitempty"`
}

// Number создает числовое значение
func Number(v float64) Value { return Value{Number: v} }

// Text создает текстовое значение
func Text(s string) Value { return Value{Text: s} }

func (v Value) String() string {
	if v.Text != "" {
		return v.Text
	}
	return fmt.Sprintf("%g", v.Number)
}

// Reading представляет одно показание. После создания не изменяется.
type Reading struct {
	Source    Source    `json:"source"`
	Field     string    `json:"field"` // адрес датчика, id клапана, имя поля телеметрии; пустое для pH
	Value     Value     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// SensorFault сообщает об ошибке чтения источника.
// Пустое Field означает, что ошибка относится ко всем полям источника.
type SensorFault struct {
	Source    Source    `json:"source"`
	Field     string    `json:"field,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (f SensorFault) Error() string {
	if f.Field == "" {
		return fmt.Sprintf("%s fault: %s", f.Source, f.Reason)
	}
	return fmt.Sprintf("%s/%s fault: %s", f.Source, f.Field, f.Reason)
}

// LinkStatus сообщает о смене состояния канала связи
type LinkStatus struct {
	Target    Target    `json:"target"`
	Health    Health    `json:"health"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Input объединяет все виды входных данных для слияния состояния:
// Reading, SensorFault, CommandOutcome и LinkStatus.
type Input interface {
	At() time.Time
}

func (r Reading) At() time.Time        { return r.Timestamp }
func (f SensorFault) At() time.Time    { return f.Timestamp }
func (o CommandOutcome) At() time.Time { return o.Timestamp }
func (l LinkStatus) At() time.Time     { return l.Timestamp }
