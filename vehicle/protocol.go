package vehicle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"rov-surface/common"
)

// TelemetryMessage телеметрия бортового компьютера
type TelemetryMessage struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Fields    map[string]any `json:"fields"`
}

// HeartbeatMessage периодический сигнал присутствия бортового компьютера
type HeartbeatMessage struct {
	Timestamp time.Time `json:"ts"`
}

// CommandRequest команда для бортового компьютера
type CommandRequest struct {
	CommandID string         `json:"command_id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	IssuedAt  time.Time      `json:"issued_at"`
}

// CommandResponse ответ бортового компьютера. Status: "ok" или "error".
type CommandResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Topics набор топиков обмена с бортовым компьютером
type Topics struct {
	Telemetry string
	Heartbeat string
	Request   string
	Response  string
}

// NewTopics строит топики от общего префикса
func NewTopics(prefix string) Topics {
	return Topics{
		Telemetry: prefix + "/telemetry",
		Heartbeat: prefix + "/heartbeat",
		Request:   prefix + "/command/request",
		Response:  prefix + "/command/response",
	}
}

// Направления движителя
const (
	ThrusterForward  = "forward"
	ThrusterBackward = "backward"
	ThrusterStop     = "stop"
)

// CommandValidator проверяет аргументы команды бортового компьютера
type CommandValidator func(cmd common.Command) error

// commandValidators содержит поддерживаемые команды бортового компьютера
var commandValidators = map[string]CommandValidator{
	"thruster": validateThruster,
	"stop_all": func(common.Command) error { return nil },
}

func validateThruster(cmd common.Command) error {
	dir, err := cmd.StringArg("direction")
	if err != nil {
		return err
	}
	switch dir {
	case ThrusterForward, ThrusterBackward, ThrusterStop:
		return nil
	default:
		return fmt.Errorf("thruster: unknown direction %q", dir)
	}
}

// ValidateCommand проверяет команду для бортового компьютера
func ValidateCommand(cmd common.Command) error {
	validate, ok := commandValidators[cmd.Name]
	if !ok {
		return fmt.Errorf("unsupported vehicle command %q (supported: %s)", cmd.Name, strings.Join(SupportedCommands(), ", "))
	}
	return validate(cmd)
}

// SupportedCommands возвращает отсортированный список команд
func SupportedCommands() []string {
	names := make([]string, 0, len(commandValidators))
	for name := range commandValidators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fieldValue переводит значение поля телеметрии из JSON в common.Value
func fieldValue(raw any) common.Value {
	switch v := raw.(type) {
	case float64:
		return common.Number(v)
	case bool:
		if v {
			return common.Number(1)
		}
		return common.Number(0)
	case string:
		return common.Text(v)
	case nil:
		return common.Text("null")
	default:
		// вложенные структуры храним как компактный JSON
		b, err := json.Marshal(v)
		if err != nil {
			return common.Text(fmt.Sprint(v))
		}
		return common.Text(string(b))
	}
}
