package common

import (
	"fmt"
	"math"
	"time"
)

// Command полезная нагрузка команды оператора, например open_valve(valve=2)
type Command struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// IntArg возвращает целочисленный аргумент команды.
// Значения из JSON приходят как float64, поэтому дробные числа отвергаются.
func (c Command) IntArg(key string) (int, error) {
	raw, ok := c.Args[key]
	if !ok {
		return 0, fmt.Errorf("%s: missing argument %q", c.Name, key)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s: argument %q is not an integer: %v", c.Name, key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s: argument %q has type %T, want integer", c.Name, key, raw)
	}
}

// StringArg возвращает строковый аргумент команды
func (c Command) StringArg(key string) (string, error) {
	raw, ok := c.Args[key]
	if !ok {
		return "", fmt.Errorf("%s: missing argument %q", c.Name, key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s: argument %q has type %T, want string", c.Name, key, raw)
	}
	return s, nil
}

// CommandIntent намерение оператора. Потребляется маршрутизатором ровно один раз.
type CommandIntent struct {
	Target    Target    `json:"target"`
	CommandID string    `json:"command_id"` // генерируется клиентом, уникален в пределах сессии
	Payload   Command   `json:"payload"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Result итог выполнения команды
type Result int

const (
	ResultAcked Result = iota + 1
	ResultFailed
	ResultTimedOut
)

var resultNames = map[Result]string{
	ResultAcked:    "acked",
	ResultFailed:   "failed",
	ResultTimedOut: "timed_out",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Result) UnmarshalText(text []byte) error {
	for v, name := range resultNames {
		if name == string(text) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown result %q", text)
}

// Коды причин для CommandOutcome
const (
	ReasonLinkDown  = "link_down"  // канал был недоступен в момент отправки
	ReasonRejected  = "rejected"   // команда не прошла проверку
	ReasonSendError = "send_error" // не удалось передать команду в канал
	ReasonNack      = "nack"       // адресат отверг команду
	ReasonTimeout   = "timeout"    // истек срок ожидания ответа
	ReasonLinkLost  = "link_lost"  // канал пропал, пока команда ожидала ответа
	ReasonShutdown  = "shutdown"   // станция остановлена до получения ответа
)

// CommandOutcome итог команды. Соответствует CommandIntent один к одному.
type CommandOutcome struct {
	CommandID string    `json:"command_id"`
	Target    Target    `json:"target"`
	Result    Result    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle квитанция канала об отправленной команде
type Handle struct {
	CommandID   string
	Target      Target
	Correlation uint32
	SentAt      time.Time
}
