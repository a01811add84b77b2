package common

import "fmt"

// Health состояние канала связи. Нулевое значение - Down.
type Health int

const (
	HealthDown Health = iota
	HealthDegraded
	HealthUp
)

var healthNames = map[Health]string{
	HealthDown:     "down",
	HealthDegraded: "degraded",
	HealthUp:       "up",
}

func (h Health) String() string {
	if name, ok := healthNames[h]; ok {
		return name
	}
	return fmt.Sprintf("health(%d)", int(h))
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Health) UnmarshalText(text []byte) error {
	for v, name := range healthNames {
		if name == string(text) {
			*h = v
			return nil
		}
	}
	return fmt.Errorf("unknown health %q", text)
}

// Target адресат команды и одновременно идентификатор канала связи
type Target int

const (
	TargetActuator Target = iota + 1
	TargetVehicle
)

var targetNames = map[Target]string{
	TargetActuator: "actuator",
	TargetVehicle:  "vehicle",
}

func (t Target) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("target(%d)", int(t))
}

func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Target) UnmarshalText(text []byte) error {
	for v, name := range targetNames {
		if name == string(text) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("unknown target %q", text)
}

// Valid проверяет, что адресат известен
func (t Target) Valid() bool {
	_, ok := targetNames[t]
	return ok
}
