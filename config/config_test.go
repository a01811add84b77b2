package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Device)
	assert.Equal(t, 115200, cfg.Serial.Baud)
	assert.Equal(t, 3*time.Second, cfg.Serial.IdleTimeout)
	assert.Equal(t, "tcp://192.168.2.2:1883", cfg.Vehicle.Broker)
	assert.Equal(t, byte(1), cfg.Vehicle.QoS)
	assert.Equal(t, "/sys/bus/w1/devices", cfg.Sensors.W1Dir)
	assert.Equal(t, -59.16, cfg.Sensors.PH.SlopeMV)
	assert.Equal(t, 3, cfg.Fuser.FaultGrace)
	assert.Equal(t, 2*time.Second, cfg.Router.CommandTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Loop.Tick)
	assert.Equal(t, ":8080", cfg.Gateway.Addr)
	assert.Empty(t, cfg.Session.Path)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
serial:
  device: /dev/ttyUSB1
  idle_timeout: 1500ms
vehicle:
  broker: tcp://10.0.0.2:1883
  password: secret
  username: pilot
sensors:
  probes: [28-0000000a, 28-0000000b]
  temperature_interval: 2s
  ph:
    enabled: false
fuser:
  fault_grace: 5
session:
  path: /var/lib/rov/session.db
`)
	t.Setenv("ROV_VEHICLE_BROKER", "tcp://192.168.2.50:1883")
	t.Setenv("ROV_LOOP_TICK", "50ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Device)
	assert.Equal(t, 1500*time.Millisecond, cfg.Serial.IdleTimeout)
	assert.Equal(t, "tcp://192.168.2.50:1883", cfg.Vehicle.Broker)
	assert.Equal(t, []string{"28-0000000a", "28-0000000b"}, cfg.Sensors.Probes)
	assert.Equal(t, 2*time.Second, cfg.Sensors.TemperatureInterval)
	assert.False(t, cfg.Sensors.PH.Enabled)
	assert.Equal(t, 5, cfg.Fuser.FaultGrace)
	assert.Equal(t, 50*time.Millisecond, cfg.Loop.Tick)
	assert.Equal(t, "/var/lib/rov/session.db", cfg.Session.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"qos", "vehicle:\n  qos: 3\n", "vehicle.qos"},
		{"fault grace", "fuser:\n  fault_grace: 0\n", "fuser.fault_grace"},
		{"reconnect window", "serial:\n  reconnect_min: 5s\n  reconnect_max: 1s\n", "serial.reconnect_max"},
		{"ph slope", "sensors:\n  ph:\n    slope_mv: 0\n", "sensors.ph.slope_mv"},
		{"tick", "loop:\n  tick: 0s\n", "loop.tick"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestDumpMasksPassword(t *testing.T) {
	cfg, err := Load(writeConfig(t, "vehicle:\n  password: hunter2\n"))
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	veh := parsed["vehicle"].(map[string]any)
	assert.Equal(t, "******", veh["password"])
	assert.Equal(t, "rov", veh["topic_prefix"])

	// исходные настройки не изменены
	assert.Equal(t, "hunter2", cfg.settings["vehicle"].(map[string]any)["password"])
}
