package sensor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rov-surface/common"
)

const w1Dir = "/sys/bus/w1/devices"

func slave(crc string, milli string) string {
	return "72 01 4b 46 7f ff 0e 10 57 : crc=57 " + crc + "\n" +
		"72 01 4b 46 7f ff 0e 10 57 t=" + milli + "\n"
}

func writeProbe(t *testing.T, fs afero.Fs, addr, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, filepath.Join(w1Dir, addr, "w1_slave"), []byte(content), 0o644))
}

func TestParseSlave(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr error
	}{
		{"valid", slave("YES", "23125"), 23.125, nil},
		{"negative", slave("YES", "-1250"), -1.25, nil},
		{"crc failed", slave("NO", "23125"), 0, ErrChecksum},
		{"power on reset", slave("YES", "85000"), 0, ErrPowerOnReset},
		{"above range", slave("YES", "126000"), 0, ErrOutOfRange},
		{"below range", slave("YES", "-56000"), 0, ErrOutOfRange},
		{"truncated", "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n", 0, ErrMalformed},
		{"garbage temperature", slave("YES", "abc"), 0, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSlave([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestOneWireBusEnumeratesProbes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeProbe(t, fs, "28-0000000b", slave("YES", "20000"))
	writeProbe(t, fs, "28-0000000a", slave("YES", "21000"))
	require.NoError(t, fs.MkdirAll(filepath.Join(w1Dir, "w1_bus_master1"), 0o755))

	bus := NewOneWireBus(fs, w1Dir, nil)
	devices, err := bus.Devices()
	require.NoError(t, err)
	assert.Equal(t, []string{"28-0000000a", "28-0000000b"}, devices)

	_, err = bus.ReadProbe("28-ffffffff")
	assert.ErrorIs(t, err, ErrDeviceAbsent)
}

func TestSampleTemperatureIsolatesFaultyProbe(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeProbe(t, fs, "28-0000000a", slave("YES", "21300"))
	writeProbe(t, fs, "28-0000000b", slave("NO", "21300"))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAcquirer(Config{W1Dir: w1Dir}, fs, WithClock(func() time.Time { return now }))

	inputs := a.sampleTemperature()
	require.Len(t, inputs, 2)

	r, ok := inputs[0].(common.Reading)
	require.True(t, ok)
	assert.Equal(t, common.SourceTemperature, r.Source)
	assert.Equal(t, "28-0000000a", r.Field)
	assert.InDelta(t, 21.3, r.Value.Number, 1e-9)
	assert.Equal(t, uint64(1), r.Seq)
	assert.Equal(t, now, r.Timestamp)

	f, ok := inputs[1].(common.SensorFault)
	require.True(t, ok)
	assert.Equal(t, "28-0000000b", f.Field)
	assert.Contains(t, f.Reason, "checksum")
}

func TestSampleTemperatureEmptyBus(t *testing.T) {
	a := NewAcquirer(Config{W1Dir: w1Dir}, afero.NewMemMapFs())

	inputs := a.sampleTemperature()
	require.Len(t, inputs, 1)
	f, ok := inputs[0].(common.SensorFault)
	require.True(t, ok)
	assert.Empty(t, f.Field)
	assert.Equal(t, ErrDeviceAbsent.Error(), f.Reason)
}

func TestConfiguredProbeMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeProbe(t, fs, "28-0000000a", slave("YES", "19000"))
	a := NewAcquirer(Config{W1Dir: w1Dir, Probes: []string{"28-0000000a", "28-00000099"}}, fs)

	inputs := a.sampleTemperature()
	require.Len(t, inputs, 2)
	assert.IsType(t, common.Reading{}, inputs[0])
	f := inputs[1].(common.SensorFault)
	assert.Equal(t, "28-00000099", f.Field)
	assert.Equal(t, "device absent", f.Reason)
}

func TestTemperatureIntervalClamped(t *testing.T) {
	a := NewAcquirer(Config{TemperatureInterval: 100 * time.Millisecond}, afero.NewMemMapFs())
	assert.Equal(t, MinTemperatureInterval, a.config.TemperatureInterval)

	a = NewAcquirer(Config{TemperatureInterval: 5 * time.Second}, afero.NewMemMapFs())
	assert.Equal(t, 5*time.Second, a.config.TemperatureInterval)
}

func writeADC(t *testing.T, fs afero.Fs, dir, raw, scale string) {
	t.Helper()
	if raw != "" {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "in_voltage0_raw"), []byte(raw+"\n"), 0o644))
	}
	if scale != "" {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "in_voltage_scale"), []byte(scale+"\n"), 0o644))
	}
}

func TestPHProbeRead(t *testing.T) {
	const dir = "/sys/bus/iio/devices/iio:device0"
	cfg := DefaultPHConfig()

	tests := []struct {
		name    string
		raw     string
		scale   string
		want    float64
		wantErr error
	}{
		{"neutral", "0", "1.0", 7, nil},
		{"acidic", "118", "1.0", 7 + 118/-59.16, nil},
		{"alkaline", "0.5", "-100", 7 + 50/59.16, nil},
		{"raw above adc range", "5000", "1.0", 0, ErrOutOfRange},
		{"raw missing", "", "", 0, ErrDeviceAbsent},
		{"garbage raw", "xx", "1.0", 0, ErrMalformed},
		{"missing scale", "100", "", 0, ErrDeviceAbsent},
		{"nan raw", "nan", "1.0", 0, ErrMalformed},
		{"nan scale", "100", "NaN", 0, ErrMalformed},
		{"infinite scale", "100", "+Inf", 0, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeADC(t, fs, dir, tt.raw, tt.scale)
			got, err := NewPHProbe(fs, cfg).Read()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestPHOutOfRangeAfterConversion(t *testing.T) {
	const dir = "/adc"
	fs := afero.NewMemMapFs()
	// 4000 * 1.0 мВ дают pH далеко за пределами шкалы
	writeADC(t, fs, dir, "4000", "1.0")

	cfg := DefaultPHConfig()
	cfg.DeviceDir = dir
	_, err := NewPHProbe(fs, cfg).Read()
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSamplePHNonFiniteIsFault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PH.DeviceDir = "/adc"
	fs := afero.NewMemMapFs()
	writeADC(t, fs, "/adc", "nan", "1.0")
	a := NewAcquirer(cfg, fs)

	inputs := a.samplePH()
	require.Len(t, inputs, 1)
	f, ok := inputs[0].(common.SensorFault)
	require.True(t, ok, "got %T", inputs[0])
	assert.Equal(t, common.SourcePH, f.Source)
}

func TestSamplePHProducesFaultInsteadOfReading(t *testing.T) {
	cfg := DefaultConfig()
	cfg.W1Dir = w1Dir
	a := NewAcquirer(cfg, afero.NewMemMapFs())

	inputs := a.samplePH()
	require.Len(t, inputs, 1)
	f, ok := inputs[0].(common.SensorFault)
	require.True(t, ok)
	assert.Equal(t, common.SourcePH, f.Source)
}

func TestAcquirerWorkersFeedPoll(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeProbe(t, fs, "28-0000000a", slave("YES", "22000"))
	cfg := DefaultConfig()
	cfg.W1Dir = w1Dir
	cfg.PH.Enabled = false

	a := NewAcquirer(cfg, fs)
	a.Start()
	defer a.Stop()

	var got []common.Input
	require.Eventually(t, func() bool {
		got = append(got, a.Poll()...)
		return len(got) > 0
	}, time.Second, 5*time.Millisecond)

	r, ok := got[0].(common.Reading)
	require.True(t, ok)
	assert.InDelta(t, 22.0, r.Value.Number, 1e-9)
	assert.Empty(t, a.Poll(), "queue is drained by Poll")
}

func TestStopIsIdempotent(t *testing.T) {
	a := NewAcquirer(DefaultConfig(), afero.NewMemMapFs())
	a.Start()
	a.Stop()
	a.Stop()
}
