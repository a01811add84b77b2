package frame

import (
	"errors"
	"fmt"
	"log"
	"os"
)

var logger = log.New(os.Stdout, "[Frame-Codec] ", log.LstdFlags|log.Lshortfile)

// Формат кадра микроконтроллера:
//
//	0xAA | opcode | corr hi | corr lo | len | payload[len] | checksum
//
// checksum - XOR всех байт от opcode до конца payload.
const (
	StartMarker byte = 0xAA
	MaxPayload       = 32
	headerLen        = 5
)

// Opcode код операции кадра
type Opcode byte

const (
	// хост -> микроконтроллер
	OpSetValve   Opcode = 0x01
	OpPulseValve Opcode = 0x02
	OpPing       Opcode = 0x03

	// микроконтроллер -> хост
	OpHeartbeat  Opcode = 0x80
	OpAck        Opcode = 0x81
	OpNack       Opcode = 0x82
	OpValveState Opcode = 0x90
)

var (
	ErrChecksum       = errors.New("frame checksum mismatch")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrPayloadSize    = errors.New("unexpected payload size")
	ErrPayloadTooLong = errors.New("payload exceeds maximum length")
	ErrNoise          = errors.New("bytes outside of a frame")
)

// payloadSizes содержит ожидаемую длину payload для каждого кода операции
var payloadSizes = map[Opcode]int{
	OpSetValve:   2, // [valve, state]
	OpPulseValve: 3, // [valve, ms hi, ms lo]
	OpPing:       0,
	OpHeartbeat:  0,
	OpAck:        0,
	OpNack:       1, // [reason]
	OpValveState: 2, // [valve, position 0..100]
}

// opcodeNames содержит человеко-читаемые названия кодов операций
var opcodeNames = map[Opcode]string{
	OpSetValve:   "set_valve",
	OpPulseValve: "pulse_valve",
	OpPing:       "ping",
	OpHeartbeat:  "heartbeat",
	OpAck:        "ack",
	OpNack:       "nack",
	OpValveState: "valve_state",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%02X)", byte(o))
}

// Frame декодированный кадр протокола
type Frame struct {
	Opcode      Opcode
	Correlation uint16
	Payload     []byte
}

// Encode кодирует кадр в байты для записи в последовательный порт
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("encode %s: %w (%d bytes)", f.Opcode, ErrPayloadTooLong, len(f.Payload))
	}
	if err := checkPayload(f); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	out := make([]byte, 0, headerLen+len(f.Payload)+1)
	out = append(out, StartMarker, byte(f.Opcode), byte(f.Correlation>>8), byte(f.Correlation), byte(len(f.Payload)))
	out = append(out, f.Payload...)
	out = append(out, checksum(out[1:]))
	return out, nil
}

// checksum считает XOR по байтам
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

func checkPayload(f Frame) error {
	want, known := payloadSizes[f.Opcode]
	if !known {
		return fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, byte(f.Opcode))
	}
	if len(f.Payload) != want {
		return fmt.Errorf("%s: %w: want %d, got %d", f.Opcode, ErrPayloadSize, want, len(f.Payload))
	}
	return nil
}

// Decoder собирает кадры из потока байт. Неполные кадры остаются в буфере
// до следующего вызова Feed, поврежденные отбрасываются.
type Decoder struct {
	buf       []byte
	malformed int
	resync    bool // байты после поврежденного кадра не считаются отдельной ошибкой
}

// Feed добавляет прочитанные байты и возвращает все полные кадры.
// Каждая ошибка в errs соответствует одному отброшенному фрагменту.
func (d *Decoder) Feed(p []byte) (frames []Frame, errs []error) {
	d.buf = append(d.buf, p...)

	for len(d.buf) > 0 {
		idx := indexMarker(d.buf)
		if idx < 0 {
			if !d.resync {
				errs = append(errs, fmt.Errorf("%w: %d discarded", ErrNoise, len(d.buf)))
			}
			d.buf = d.buf[:0]
			break
		}
		if idx > 0 {
			if !d.resync {
				errs = append(errs, fmt.Errorf("%w: %d discarded", ErrNoise, idx))
			}
			d.buf = d.buf[idx:]
		}

		if len(d.buf) < headerLen {
			break
		}

		n := int(d.buf[4])
		if n > MaxPayload {
			// маркер оказался случайным байтом: ищем следующий
			errs = append(errs, fmt.Errorf("%w: len=%d", ErrPayloadTooLong, n))
			d.buf = d.buf[1:]
			d.resync = true
			continue
		}

		total := headerLen + n + 1
		if len(d.buf) < total {
			break
		}

		raw := d.buf[:total]
		if sum := checksum(raw[1 : total-1]); sum != raw[total-1] {
			errs = append(errs, fmt.Errorf("%w: want 0x%02X, got 0x%02X", ErrChecksum, sum, raw[total-1]))
			d.buf = d.buf[1:]
			d.resync = true
			continue
		}

		f := Frame{
			Opcode:      Opcode(raw[1]),
			Correlation: uint16(raw[2])<<8 | uint16(raw[3]),
			Payload:     append([]byte(nil), raw[headerLen:total-1]...),
		}
		d.buf = d.buf[total:]
		d.resync = false

		if err := checkPayload(f); err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}

	// не даем буферу расти бесконечно при длинном мусоре
	if cap(d.buf) > 4*(headerLen+MaxPayload+1) && len(d.buf) < headerLen+MaxPayload+1 {
		d.buf = append([]byte(nil), d.buf...)
	}

	d.malformed += len(errs)
	for _, err := range errs {
		logger.Printf("Discarded malformed input: %v", err)
	}
	return frames, errs
}

// Malformed возвращает число отброшенных фрагментов с момента создания
func (d *Decoder) Malformed() int {
	return d.malformed
}

// Buffered возвращает число байт, ожидающих завершения кадра
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset очищает буфер, например после переподключения порта
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.resync = false
}

func indexMarker(buf []byte) int {
	for i, b := range buf {
		if b == StartMarker {
			return i
		}
	}
	return -1
}
