package router

import (
	"fmt"

	"rov-surface/common"
	"rov-surface/frame"
	"rov-surface/fuser"
	"rov-surface/vehicle"
)

// thrusterField поле телеметрии с текущим направлением движителя
const thrusterField = "thruster"

// CommandValidator проверяет команду относительно текущего состояния
type CommandValidator func(state fuser.VehicleState, cmd common.Command) error

// defaultValidators проверки команд по адресатам
var defaultValidators = map[common.Target]CommandValidator{
	common.TargetActuator: func(_ fuser.VehicleState, cmd common.Command) error {
		return frame.ValidateCommand(cmd)
	},
	common.TargetVehicle: validateVehicle,
}

func validateVehicle(state fuser.VehicleState, cmd common.Command) error {
	if err := vehicle.ValidateCommand(cmd); err != nil {
		return err
	}
	if cmd.Name != "thruster" {
		return nil
	}
	return thrusterInterlock(state, cmd)
}

// thrusterInterlock не дает сменить направление движителя без остановки
func thrusterInterlock(state fuser.VehicleState, cmd common.Command) error {
	want, _ := cmd.StringArg("direction")
	if want == vehicle.ThrusterStop {
		return nil
	}
	current, ok := state.Telemetry(thrusterField)
	if !ok {
		return nil
	}
	opposite := map[string]string{
		vehicle.ThrusterForward:  vehicle.ThrusterBackward,
		vehicle.ThrusterBackward: vehicle.ThrusterForward,
	}
	if current.Text == opposite[want] {
		return fmt.Errorf("thruster interlock: vehicle is moving %s, stop before going %s", current.Text, want)
	}
	return nil
}
