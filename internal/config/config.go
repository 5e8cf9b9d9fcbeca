package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sbcfan/internal/curve"
)

// Backend names accepted by fan.backend.
const (
	BackendSysfs = "sysfs"
	BackendRPIO  = "rpio"
	BackendGPIO  = "gpio"
	BackendNoop  = "noop"
)

const DefaultTempPath = "/sys/class/thermal/thermal_zone0/temp"

type Config struct {
	Fan  FanConfig  `yaml:"fan"`
	Log  LogConfig  `yaml:"log"`
	HTTP HTTPConfig `yaml:"http"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

type FanConfig struct {
	TempSteps  []uint8 `yaml:"temp_steps"`
	SpeedSteps []uint8 `yaml:"speed_steps"`
	// ManualSpeed forces a fixed percentage and disables the curve.
	ManualSpeed *uint8 `yaml:"manual_speed"`

	Backend    string `yaml:"backend"`
	PWMChip    int    `yaml:"pwm_chip"`
	PWMChannel int    `yaml:"pwm_channel"`
	// BCMPin is used by the rpio and gpio backends.
	BCMPin         int     `yaml:"bcm_pin"`
	PWMFrequencyHz float64 `yaml:"pwm_frequency_hz"`

	// Interval between updates; zero means apply once and exit.
	Interval time.Duration `yaml:"interval"`
	SpinUp   time.Duration `yaml:"spin_up"`
	TempPath string        `yaml:"temp_path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Default returns the configuration used when neither a file nor flags set a value.
func Default() Config {
	return Config{
		Fan: FanConfig{
			TempSteps:      []uint8{50, 70, 80},
			SpeedSteps:     []uint8{20, 50, 100},
			Backend:        BackendSysfs,
			BCMPin:         21,
			PWMFrequencyHz: 2.0,
			TempPath:       DefaultTempPath,
		},
		Log: LogConfig{Level: "warn"},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values and rejects settings the control loop
// cannot run with. Step count equality is checked again by curve.New.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	f := &cfg.Fan
	if len(f.TempSteps) == 0 {
		return fmt.Errorf("fan.temp_steps is required")
	}
	if len(f.SpeedSteps) == 0 {
		return fmt.Errorf("fan.speed_steps is required")
	}
	for i, s := range f.SpeedSteps {
		if err := checkPercent(int(s)); err != nil {
			return fmt.Errorf("fan.speed_steps[%d]: %w", i, err)
		}
	}
	if f.ManualSpeed != nil {
		if err := checkPercent(int(*f.ManualSpeed)); err != nil {
			return fmt.Errorf("fan.manual_speed: %w", err)
		}
	}

	f.Backend = strings.ToLower(strings.TrimSpace(f.Backend))
	if f.Backend == "" {
		f.Backend = BackendSysfs
	}
	switch f.Backend {
	case BackendSysfs, BackendRPIO, BackendGPIO, BackendNoop:
	default:
		return fmt.Errorf("fan.backend must be one of sysfs, rpio, gpio, noop")
	}

	if f.PWMChip < 0 {
		return fmt.Errorf("fan.pwm_chip must be >= 0")
	}
	if f.PWMChannel < 0 {
		return fmt.Errorf("fan.pwm_channel must be >= 0")
	}
	if f.BCMPin < 0 {
		return fmt.Errorf("fan.bcm_pin must be >= 0")
	}
	if f.PWMFrequencyHz == 0 {
		f.PWMFrequencyHz = 2.0
	}
	if f.PWMFrequencyHz < 0 {
		return fmt.Errorf("fan.pwm_frequency_hz must be > 0")
	}
	if f.Interval < 0 {
		return fmt.Errorf("fan.interval must be >= 0")
	}
	if f.SpinUp < 0 {
		return fmt.Errorf("fan.spin_up must be >= 0")
	}
	if strings.TrimSpace(f.TempPath) == "" {
		f.TempPath = DefaultTempPath
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	cfg.HTTP.Listen = strings.TrimSpace(cfg.HTTP.Listen)

	cfg.MQTT.Broker = strings.TrimSpace(cfg.MQTT.Broker)
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "sbcfan"
		}
		cfg.MQTT.TopicPrefix = strings.TrimRight(strings.TrimSpace(cfg.MQTT.TopicPrefix), "/")
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "sbcfan"
		}
	}
	return nil
}

// Curve builds the validated fan curve from the fan section.
func (c Config) Curve() (*curve.Curve, error) {
	return curve.New(c.Fan.TempSteps, c.Fan.SpeedSteps, c.Fan.ManualSpeed)
}

// OneShot reports whether the loop should run a single update.
func (c Config) OneShot() bool {
	return c.Fan.Interval == 0
}

func checkPercent(v int) error {
	if v < minPercent || v > curve.MaxPercent {
		return fmt.Errorf("%d isn't in percentage range %d-%d", v, minPercent, curve.MaxPercent)
	}
	return nil
}
