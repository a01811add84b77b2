package frame

import (
	"fmt"
	"sort"
	"strings"

	"rov-surface/common"
)

const (
	MaxValves    = 8
	MaxPulseMs   = 10000
	positionFull = 100
)

// CommandEncoder переводит команду оператора в код операции и payload
type CommandEncoder func(cmd common.Command) (Opcode, []byte, error)

// commandEncoders содержит кодировщики для поддерживаемых команд исполнительных механизмов
var commandEncoders = map[string]CommandEncoder{
	"open_valve":  encodeOpenValve,
	"close_valve": encodeCloseValve,
	"pulse_valve": encodePulseValve,
	"ping":        encodePing,
}

// nackReasons содержит расшифровку кодов отказа прошивки
var nackReasons = map[byte]string{
	0x01: "unknown opcode",
	0x02: "invalid valve",
	0x03: "actuator busy",
	0x04: "checksum rejected",
	0x05: "low supply pressure",
}

func valveArg(cmd common.Command) (int, error) {
	valve, err := cmd.IntArg("valve")
	if err != nil {
		return 0, err
	}
	if valve < 0 || valve >= MaxValves {
		return 0, fmt.Errorf("%s: valve %d out of range [0,%d)", cmd.Name, valve, MaxValves)
	}
	return valve, nil
}

// encodeOpenValve кодирует open_valve(valve)
func encodeOpenValve(cmd common.Command) (Opcode, []byte, error) {
	valve, err := valveArg(cmd)
	if err != nil {
		return 0, nil, err
	}
	return OpSetValve, []byte{byte(valve), 1}, nil
}

// encodeCloseValve кодирует close_valve(valve)
func encodeCloseValve(cmd common.Command) (Opcode, []byte, error) {
	valve, err := valveArg(cmd)
	if err != nil {
		return 0, nil, err
	}
	return OpSetValve, []byte{byte(valve), 0}, nil
}

// encodePulseValve кодирует pulse_valve(valve, ms)
func encodePulseValve(cmd common.Command) (Opcode, []byte, error) {
	valve, err := valveArg(cmd)
	if err != nil {
		return 0, nil, err
	}
	ms, err := cmd.IntArg("ms")
	if err != nil {
		return 0, nil, err
	}
	if ms <= 0 || ms > MaxPulseMs {
		return 0, nil, fmt.Errorf("%s: ms %d out of range (0,%d]", cmd.Name, ms, MaxPulseMs)
	}
	return OpPulseValve, []byte{byte(valve), byte(ms >> 8), byte(ms)}, nil
}

func encodePing(cmd common.Command) (Opcode, []byte, error) {
	return OpPing, nil, nil
}

// EncodeCommand кодирует команду оператора в кадр с заданным идентификатором корреляции
func EncodeCommand(cmd common.Command, corr uint16) ([]byte, error) {
	encoder, exists := commandEncoders[cmd.Name]
	if !exists {
		return nil, unsupported(cmd)
	}
	op, payload, err := encoder(cmd)
	if err != nil {
		return nil, err
	}
	return Encode(Frame{Opcode: op, Correlation: corr, Payload: payload})
}

// ValidateCommand проверяет команду без кодирования в кадр
func ValidateCommand(cmd common.Command) error {
	encoder, exists := commandEncoders[cmd.Name]
	if !exists {
		return unsupported(cmd)
	}
	_, _, err := encoder(cmd)
	return err
}

func unsupported(cmd common.Command) error {
	return fmt.Errorf("unsupported actuator command %q (supported: %s)", cmd.Name, strings.Join(SupportedCommands(), ", "))
}

// SupportedCommands возвращает отсортированный список поддерживаемых команд
func SupportedCommands() []string {
	names := make([]string, 0, len(commandEncoders))
	for name := range commandEncoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValveState положение клапана, сообщенное прошивкой
type ValveState struct {
	Valve    int
	Position int // 0 - закрыт, 100 - открыт
}

// DecodeValveState разбирает кадр VALVE_STATE
func DecodeValveState(f Frame) (ValveState, error) {
	if f.Opcode != OpValveState {
		return ValveState{}, fmt.Errorf("decode valve state: got %s", f.Opcode)
	}
	if err := checkPayload(f); err != nil {
		return ValveState{}, err
	}
	vs := ValveState{Valve: int(f.Payload[0]), Position: int(f.Payload[1])}
	if vs.Position > positionFull {
		return ValveState{}, fmt.Errorf("valve %d: position %d out of range", vs.Valve, vs.Position)
	}
	return vs, nil
}

// NackReason возвращает расшифровку причины отказа
func NackReason(f Frame) string {
	if f.Opcode != OpNack || len(f.Payload) != 1 {
		return "unknown"
	}
	if reason, ok := nackReasons[f.Payload[0]]; ok {
		return reason
	}
	return fmt.Sprintf("reason 0x%02X", f.Payload[0])
}
