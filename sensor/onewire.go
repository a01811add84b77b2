package sensor

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Ошибки чтения датчиков
var (
	ErrDeviceAbsent = errors.New("device absent")
	ErrChecksum     = errors.New("checksum mismatch")
	ErrOutOfRange   = errors.New("value out of range")
	ErrPowerOnReset = errors.New("power-on reset value")
	ErrMalformed    = errors.New("malformed device output")
)

const (
	// DS18B20 сообщает 85°C, если преобразование не было выполнено
	powerOnResetMilliC = 85000
	minTemperatureC    = -55.0
	maxTemperatureC    = 125.0

	probeGlob = "28-*"
	slaveFile = "w1_slave"
)

// OneWireBus читает цифровые датчики температуры через w1 sysfs
type OneWireBus struct {
	fs     afero.Fs
	dir    string
	probes []string
}

// NewOneWireBus создает шину. Пустой список probes означает перечисление всех 28-* устройств.
func NewOneWireBus(fs afero.Fs, dir string, probes []string) *OneWireBus {
	return &OneWireBus{fs: fs, dir: dir, probes: probes}
}

// Devices возвращает адреса датчиков в стабильном порядке
func (b *OneWireBus) Devices() ([]string, error) {
	if len(b.probes) > 0 {
		out := append([]string(nil), b.probes...)
		sort.Strings(out)
		return out, nil
	}

	matches, err := afero.Glob(b.fs, filepath.Join(b.dir, probeGlob))
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", b.dir, err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.Base(m))
	}
	sort.Strings(out)
	return out, nil
}

// ReadProbe читает температуру датчика в градусах Цельсия
func (b *OneWireBus) ReadProbe(addr string) (float64, error) {
	data, err := afero.ReadFile(b.fs, filepath.Join(b.dir, addr, slaveFile))
	if err != nil {
		if isNotExist(err) {
			return 0, ErrDeviceAbsent
		}
		return 0, fmt.Errorf("read %s: %w", addr, err)
	}
	return parseSlave(data)
}

// parseSlave разбирает вывод w1_slave:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseSlave(data []byte) (float64, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return 0, ErrMalformed
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, ErrChecksum
	}

	idx := strings.LastIndex(lines[1], "t=")
	if idx < 0 {
		return 0, ErrMalformed
	}
	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][idx+2:]))
	if err != nil {
		return 0, ErrMalformed
	}
	if milli == powerOnResetMilliC {
		return 0, ErrPowerOnReset
	}

	c := float64(milli) / 1000
	if c < minTemperatureC || c > maxTemperatureC {
		return 0, fmt.Errorf("%w: %.3f°C", ErrOutOfRange, c)
	}
	return c, nil
}
