package sensor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// PHConfig настройки аналогового канала pH.
// Калибровка линейная: pH = 7 + (mV - NeutralMV) / SlopeMV.
type PHConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	DeviceDir string        `mapstructure:"device_dir"` // каталог IIO устройства АЦП
	Channel   int           `mapstructure:"channel"`
	Interval  time.Duration `mapstructure:"interval"`
	MaxRaw    int           `mapstructure:"max_raw"`    // верхняя граница отсчета АЦП
	NeutralMV float64       `mapstructure:"neutral_mv"` // напряжение при pH 7
	SlopeMV   float64       `mapstructure:"slope_mv"`   // мВ на единицу pH
}

// DefaultPHConfig возвращает настройки канала pH по умолчанию
func DefaultPHConfig() PHConfig {
	return PHConfig{
		Enabled:   true,
		DeviceDir: "/sys/bus/iio/devices/iio:device0",
		Channel:   0,
		Interval:  2 * time.Second,
		MaxRaw:    4095,
		NeutralMV: 0,
		SlopeMV:   -59.16,
	}
}

// PHProbe читает pH через IIO sysfs
type PHProbe struct {
	fs     afero.Fs
	config PHConfig
}

// NewPHProbe создает датчик pH
func NewPHProbe(fs afero.Fs, config PHConfig) *PHProbe {
	if config.SlopeMV == 0 {
		config.SlopeMV = DefaultPHConfig().SlopeMV
	}
	if config.MaxRaw <= 0 {
		config.MaxRaw = DefaultPHConfig().MaxRaw
	}
	return &PHProbe{fs: fs, config: config}
}

// Read возвращает текущее значение pH
func (p *PHProbe) Read() (float64, error) {
	rawPath := filepath.Join(p.config.DeviceDir, fmt.Sprintf("in_voltage%d_raw", p.config.Channel))
	raw, err := p.readNumber(rawPath)
	if err != nil {
		return 0, err
	}
	if !(raw >= 0 && raw <= float64(p.config.MaxRaw)) {
		return 0, fmt.Errorf("%w: raw %v", ErrOutOfRange, raw)
	}

	scale, err := p.readNumber(filepath.Join(p.config.DeviceDir, "in_voltage_scale"))
	if err != nil {
		return 0, err
	}

	mv := raw * scale
	ph := 7 + (mv-p.config.NeutralMV)/p.config.SlopeMV
	if !(ph >= 0 && ph <= 14) {
		return 0, fmt.Errorf("%w: pH %.2f from %.1f mV", ErrOutOfRange, ph, mv)
	}
	return ph, nil
}

func (p *PHProbe) readNumber(path string) (float64, error) {
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		if isNotExist(err) {
			return 0, ErrDeviceAbsent
		}
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrMalformed, filepath.Base(path))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrMalformed, filepath.Base(path))
	}
	return v, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
