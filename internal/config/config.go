// Package config loads the sdi12d daemon configuration.
//
// Configuration is read from a YAML file on top of built-in defaults, then
// environment variables prefixed with SDI12_ override selected fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-sdi12/logger"
	"github.com/arloliu/go-sdi12/mqttsink"
	"github.com/arloliu/go-sdi12/poller"
	"github.com/arloliu/go-sdi12/sdi12"
)

// Config is the root of the daemon configuration.
type Config struct {
	Serial  SerialConfig   `yaml:"serial"`
	Bus     BusConfig      `yaml:"bus"`
	Sensors []SensorConfig `yaml:"sensors"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Logging LoggingConfig  `yaml:"logging"`
}

// SerialConfig selects the transport backend and device.
type SerialConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// BusConfig holds the engine timing and retry settings. Zero durations
// keep the engine defaults, except start_timeout and char_timeout where
// zero disables the timeout.
type BusConfig struct {
	BreakTime       time.Duration `yaml:"break_time"`
	ExplicitMark    bool          `yaml:"explicit_mark"`
	MarkTime        time.Duration `yaml:"mark_time"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	CharTimeout     time.Duration `yaml:"char_timeout"`
	Emulation       string        `yaml:"emulation"`
	RetryLimit      int           `yaml:"retry_limit"`
	MeasurementUnit time.Duration `yaml:"measurement_unit"`
	Debug           bool          `yaml:"debug"`
}

// SensorConfig is one scheduled sensor.
type SensorConfig struct {
	Name     string        `yaml:"name"`
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
}

// MQTTConfig configures the MQTT reading sink.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TLS         bool   `yaml:"tls"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// LoggingConfig sets the log level: debug, info, warn or error.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result.
//
// Environment variables:
//   - SDI12_BACKEND, SDI12_PORT: serial backend and device path
//   - SDI12_MQTT_HOST, SDI12_MQTT_PORT, SDI12_MQTT_USERNAME, SDI12_MQTT_PASSWORD
//   - SDI12_LOG_LEVEL
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Backend: "bugst",
			Path:    "/dev/ttyUSB0",
		},
		Bus: BusConfig{
			BreakTime:       sdi12.DefaultBreakTime,
			MarkTime:        sdi12.DefaultMarkTime,
			SettleDelay:     sdi12.DefaultSettleDelay,
			ResponseTimeout: sdi12.DefaultResponseTimeout,
			Emulation:       sdi12.EmulationAuto.String(),
			RetryLimit:      sdi12.DefaultRetryLimit,
			MeasurementUnit: sdi12.DefaultMeasurementUnit,
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "sdi12d",
			TopicPrefix: "sdi12",
			QoS:         1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("SDI12_BACKEND"); v != "" {
		cfg.Serial.Backend = v
	}
	if v := os.Getenv("SDI12_PORT"); v != "" {
		cfg.Serial.Path = v
	}

	// MQTT
	if v := os.Getenv("SDI12_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("SDI12_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Port = port
		}
	}
	if v := os.Getenv("SDI12_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("SDI12_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	if v := os.Getenv("SDI12_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	if c.Serial.Backend == "" {
		errs = append(errs, "serial.backend is required")
	}
	if c.Serial.Path == "" {
		errs = append(errs, "serial.path is required")
	}

	if opts, err := c.Bus.EngineOptions(); err != nil {
		errs = append(errs, err.Error())
	} else if _, err := sdi12.NewEngineConfig(opts...); err != nil {
		errs = append(errs, "bus: "+err.Error())
	}

	if len(c.Sensors) == 0 {
		errs = append(errs, "at least one sensor is required")
	}
	names := make(map[string]struct{}, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("sensors[%d].name is required", i))
		} else if _, dup := names[s.Name]; dup {
			errs = append(errs, fmt.Sprintf("sensors[%d].name %q is duplicated", i, s.Name))
		}
		names[s.Name] = struct{}{}

		if _, err := s.address(); err != nil {
			errs = append(errs, fmt.Sprintf("sensors[%d].address: %v", i, err))
		}
		if s.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("sensors[%d].interval must be positive", i))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		} else if err := c.MQTT.SinkConfig().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ParseEmulation parses auto, on or off.
func ParseEmulation(s string) (sdi12.Emulation, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return sdi12.EmulationAuto, nil
	case "on":
		return sdi12.EmulationOn, nil
	case "off":
		return sdi12.EmulationOff, nil
	default:
		return sdi12.EmulationAuto, fmt.Errorf("bus.emulation must be auto, on, or off, got %q", s)
	}
}

// ParseLevel parses a logging level name.
func ParseLevel(s string) (logger.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DebugLevel, nil
	case "", "info":
		return logger.InfoLevel, nil
	case "warn", "warning":
		return logger.WarnLevel, nil
	case "error":
		return logger.ErrorLevel, nil
	default:
		return logger.InfoLevel, fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", s)
	}
}

// EngineOptions converts the bus section into engine options.
func (b BusConfig) EngineOptions() ([]sdi12.Option, error) {
	mode, err := ParseEmulation(b.Emulation)
	if err != nil {
		return nil, err
	}

	opts := []sdi12.Option{
		sdi12.WithEmulation(mode),
		sdi12.WithExplicitMark(b.ExplicitMark),
		sdi12.WithRetryLimit(b.RetryLimit),
	}
	if b.BreakTime > 0 {
		opts = append(opts, sdi12.WithBreakTime(b.BreakTime))
	}
	if b.MarkTime > 0 {
		opts = append(opts, sdi12.WithMarkTime(b.MarkTime))
	}
	if b.SettleDelay > 0 {
		opts = append(opts, sdi12.WithSettleDelay(b.SettleDelay))
	}
	if b.ResponseTimeout > 0 {
		opts = append(opts, sdi12.WithResponseTimeout(b.ResponseTimeout))
	}
	if b.StartTimeout > 0 {
		opts = append(opts, sdi12.WithStartTimeout(b.StartTimeout))
	}
	if b.CharTimeout > 0 {
		opts = append(opts, sdi12.WithCharTimeout(b.CharTimeout))
	}
	if b.MeasurementUnit > 0 {
		opts = append(opts, sdi12.WithMeasurementUnit(b.MeasurementUnit))
	}

	return opts, nil
}

func (s SensorConfig) address() (sdi12.Address, error) {
	if len(s.Address) != 1 {
		return 0, fmt.Errorf("%w: address %q must be a single character", sdi12.ErrInvalidCommand, s.Address)
	}
	addr, err := sdi12.ParseAddress(s.Address[0])
	if err != nil {
		return 0, err
	}
	if addr.IsWildcard() {
		return 0, fmt.Errorf("%w: wildcard address cannot be polled", sdi12.ErrInvalidCommand)
	}

	return addr, nil
}

// PollerSensors converts the sensors section for the poller.
func (c *Config) PollerSensors() ([]poller.Sensor, error) {
	out := make([]poller.Sensor, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		addr, err := s.address()
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", s.Name, err)
		}
		out = append(out, poller.Sensor{Name: s.Name, Address: addr, Interval: s.Interval})
	}

	return out, nil
}

// SinkConfig converts the mqtt section for the MQTT sink.
func (m MQTTConfig) SinkConfig() mqttsink.Config {
	return mqttsink.Config{
		Host:        m.Host,
		Port:        m.Port,
		ClientID:    m.ClientID,
		Username:    m.Username,
		Password:    m.Password,
		TLS:         m.TLS,
		TopicPrefix: m.TopicPrefix,
		QoS:         byte(m.QoS),
		Retain:      m.Retain,
	}
}
