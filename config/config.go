package config

import (
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rov-surface/actuator"
	"rov-surface/fuser"
	"rov-surface/gateway"
	"rov-surface/router"
	"rov-surface/sensor"
	"rov-surface/station"
	"rov-surface/vehicle"
)

var logger = log.New(os.Stdout, "[Config] ", log.LstdFlags|log.Lshortfile)

var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix префикс переменных окружения, например ROV_VEHICLE_BROKER
const EnvPrefix = "ROV"

// SessionConfig настройки записи сессии
type SessionConfig struct {
	Path string `mapstructure:"path"` // пустой путь отключает запись
}

// Config конфигурация станции
type Config struct {
	Serial  actuator.Config `mapstructure:"serial"`
	Vehicle vehicle.Config  `mapstructure:"vehicle"`
	Sensors sensor.Config   `mapstructure:"sensors"`
	Fuser   fuser.Config    `mapstructure:"fuser"`
	Router  router.Config   `mapstructure:"router"`
	Loop    station.Config  `mapstructure:"loop"`
	Gateway gateway.Config  `mapstructure:"gateway"`
	Session SessionConfig   `mapstructure:"session"`

	settings map[string]any
}

func setDefaults(v *viper.Viper) {
	serial := actuator.DefaultConfig()
	v.SetDefault("serial.device", serial.Device)
	v.SetDefault("serial.baud", serial.Baud)
	v.SetDefault("serial.idle_timeout", serial.IdleTimeout)
	v.SetDefault("serial.reconnect_min", serial.ReconnectMin)
	v.SetDefault("serial.reconnect_max", serial.ReconnectMax)
	v.SetDefault("serial.write_queue", serial.WriteQueue)

	veh := vehicle.DefaultConfig()
	v.SetDefault("vehicle.broker", veh.Broker)
	v.SetDefault("vehicle.username", "")
	v.SetDefault("vehicle.password", "")
	v.SetDefault("vehicle.client_id", "")
	v.SetDefault("vehicle.topic_prefix", veh.TopicPrefix)
	v.SetDefault("vehicle.qos", veh.QoS)
	v.SetDefault("vehicle.keep_alive", veh.KeepAlive)
	v.SetDefault("vehicle.connect_timeout", veh.ConnectTimeout)
	v.SetDefault("vehicle.idle_timeout", veh.IdleTimeout)
	v.SetDefault("vehicle.reconnect_min", veh.ReconnectMin)
	v.SetDefault("vehicle.reconnect_max", veh.ReconnectMax)
	v.SetDefault("vehicle.publish_queue", veh.PublishQueue)

	sensors := sensor.DefaultConfig()
	v.SetDefault("sensors.w1_dir", sensors.W1Dir)
	v.SetDefault("sensors.probes", []string{})
	v.SetDefault("sensors.temperature_interval", sensors.TemperatureInterval)
	v.SetDefault("sensors.ph.enabled", sensors.PH.Enabled)
	v.SetDefault("sensors.ph.device_dir", sensors.PH.DeviceDir)
	v.SetDefault("sensors.ph.channel", sensors.PH.Channel)
	v.SetDefault("sensors.ph.interval", sensors.PH.Interval)
	v.SetDefault("sensors.ph.max_raw", sensors.PH.MaxRaw)
	v.SetDefault("sensors.ph.neutral_mv", sensors.PH.NeutralMV)
	v.SetDefault("sensors.ph.slope_mv", sensors.PH.SlopeMV)

	f := fuser.DefaultConfig()
	v.SetDefault("fuser.fault_grace", f.FaultGrace)
	v.SetDefault("fuser.outcome_history", f.OutcomeHistory)

	v.SetDefault("router.command_timeout", router.DefaultConfig().CommandTimeout)

	loop := station.DefaultConfig()
	v.SetDefault("loop.tick", loop.Tick)
	v.SetDefault("loop.intent_queue", loop.IntentQueue)

	gw := gateway.DefaultConfig()
	v.SetDefault("gateway.enabled", gw.Enabled)
	v.SetDefault("gateway.addr", gw.Addr)
	v.SetDefault("gateway.send_buffer", gw.SendBuffer)
	v.SetDefault("gateway.write_timeout", gw.WriteTimeout)

	v.SetDefault("session.path", "")
}

// Load читает конфигурацию из файла path (или ./config.yaml, если path пуст),
// переменных окружения ROV_* и значений по умолчанию
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Println("No config.yaml found, using defaults and environment")
	} else {
		logger.Printf("Using config file %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Serial.Device != "", "serial.device is required")
	check(c.Serial.Baud > 0, "serial.baud must be positive, got %d", c.Serial.Baud)
	check(c.Serial.IdleTimeout > 0, "serial.idle_timeout must be positive")
	check(c.Serial.ReconnectMax >= c.Serial.ReconnectMin, "serial.reconnect_max must not be below reconnect_min")

	check(c.Vehicle.Broker != "", "vehicle.broker is required")
	check(c.Vehicle.TopicPrefix != "", "vehicle.topic_prefix is required")
	check(c.Vehicle.QoS <= 2, "vehicle.qos must be 0, 1 or 2, got %d", c.Vehicle.QoS)
	check(c.Vehicle.IdleTimeout > 0, "vehicle.idle_timeout must be positive")
	check(c.Vehicle.ReconnectMax >= c.Vehicle.ReconnectMin, "vehicle.reconnect_max must not be below reconnect_min")

	check(c.Sensors.TemperatureInterval >= 0, "sensors.temperature_interval must not be negative")
	if c.Sensors.PH.Enabled {
		check(c.Sensors.PH.DeviceDir != "", "sensors.ph.device_dir is required when pH is enabled")
		check(c.Sensors.PH.SlopeMV != 0, "sensors.ph.slope_mv must not be zero")
		check(c.Sensors.PH.MaxRaw > 0, "sensors.ph.max_raw must be positive")
	}

	check(c.Fuser.FaultGrace >= 1, "fuser.fault_grace must be at least 1, got %d", c.Fuser.FaultGrace)
	check(c.Fuser.OutcomeHistory >= 1, "fuser.outcome_history must be at least 1")
	check(c.Router.CommandTimeout > 0, "router.command_timeout must be positive")
	check(c.Loop.Tick > 0, "loop.tick must be positive")
	check(c.Loop.IntentQueue > 0, "loop.intent_queue must be positive")
	if c.Gateway.Enabled {
		check(c.Gateway.Addr != "", "gateway.addr is required when the gateway is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Dump возвращает действующую конфигурацию в YAML. Пароль скрывается.
func (c *Config) Dump() ([]byte, error) {
	settings := c.settings
	if settings == nil {
		settings = map[string]any{}
	}
	if veh, ok := settings["vehicle"].(map[string]any); ok {
		if p, _ := veh["password"].(string); p != "" {
			masked := maps.Clone(veh)
			masked["password"] = "******"
			settings = maps.Clone(settings)
			settings["vehicle"] = masked
		}
	}
	return yaml.Marshal(settings)
}
