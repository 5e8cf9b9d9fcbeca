package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const minPercent = 1

// Args is the result of parsing the command line.
type Args struct {
	Config     Config
	ConfigPath string
	// Verbosity is the net count of -v minus -q flags.
	Verbosity   int
	ShowVersion bool
}

// ParsePercent parses a speed percentage in the range 1-100.
func ParsePercent(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q isn't a percentage number", s)
	}
	if err := checkPercent(n); err != nil {
		return 0, err
	}
	return uint8(n), nil
}

// ParseSteps parses a comma separated list of values in [0,255].
func ParseSteps(s string) ([]uint8, error) {
	parts := strings.Split(s, ",")
	out := make([]uint8, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%q isn't a value in range 0-255", p)
		}
		out = append(out, uint8(n))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one value is required")
	}
	return out, nil
}

type stepsValue struct {
	dst     *[]uint8
	percent bool
}

func (v stepsValue) String() string {
	if v.dst == nil {
		return ""
	}
	parts := make([]string, len(*v.dst))
	for i, n := range *v.dst {
		parts[i] = strconv.Itoa(int(n))
	}
	return strings.Join(parts, ",")
}

func (v stepsValue) Set(s string) error {
	steps, err := ParseSteps(s)
	if err != nil {
		return err
	}
	if v.percent {
		for _, n := range steps {
			if err := checkPercent(int(n)); err != nil {
				return err
			}
		}
	}
	*v.dst = steps
	return nil
}

type percentValue struct{ dst **uint8 }

func (v percentValue) String() string {
	if v.dst == nil || *v.dst == nil {
		return ""
	}
	return strconv.Itoa(int(**v.dst))
}

func (v percentValue) Set(s string) error {
	p, err := ParsePercent(s)
	if err != nil {
		return err
	}
	*v.dst = &p
	return nil
}

// countValue is a repeatable boolean flag; every occurrence adds step.
type countValue struct {
	n    *int
	step int
}

func (v countValue) String() string   { return "" }
func (v countValue) IsBoolFlag() bool { return true }
func (v countValue) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if b {
		*v.n += v.step
	}
	return nil
}

// ParseArgs parses command line flags. When -config is given the YAML file is
// loaded first and flags set explicitly on the command line override it.
func ParseArgs(name string, args []string, output io.Writer) (Args, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	var (
		out   Args
		flags = Default()
		f     = &flags.Fan
		sleep uint64
		once  bool
	)

	alias := func(v flag.Value, usage string, names ...string) {
		for _, n := range names {
			fs.Var(v, n, usage)
		}
	}

	fs.StringVar(&out.ConfigPath, "config", "", "Path to YAML config")
	alias(stepsValue{dst: &f.TempSteps}, "Comma separated temperature steps in degrees C", "t", "temp-step")
	alias(stepsValue{dst: &f.SpeedSteps, percent: true}, "Comma separated fan speed steps in percent (1-100)", "s", "speed-step")
	alias(percentValue{dst: &f.ManualSpeed}, "Manually set fan speed in percent (1-100)", "u", "manual-speed")
	for _, n := range []string{"c", "pwm-channel"} {
		fs.IntVar(&f.PWMChannel, n, f.PWMChannel, "PWM channel")
	}
	fs.IntVar(&f.PWMChip, "pwm-chip", f.PWMChip, "sysfs pwmchip index")
	for _, n := range []string{"f", "pwm-freq"} {
		fs.Float64Var(&f.PWMFrequencyHz, n, f.PWMFrequencyHz, "PWM frequency in Hz")
	}
	for _, n := range []string{"e", "sleep-secs"} {
		fs.Uint64Var(&sleep, n, 0, "Seconds between PWM updates (0 applies once and exits)")
	}
	for _, n := range []string{"b", "bcm-pin"} {
		fs.IntVar(&f.BCMPin, n, f.BCMPin, "BCM pin used by the rpio and gpio backends")
	}
	fs.StringVar(&f.Backend, "backend", f.Backend, "Fan driver: sysfs, rpio, gpio or noop")
	fs.StringVar(&f.TempPath, "temp-file", f.TempPath, "CPU temperature file in millidegrees C")
	fs.DurationVar(&f.SpinUp, "spin-up", 0, "Run the fan at full speed for this long before following the curve")
	fs.BoolVar(&once, "once", false, "Apply a single update and exit")
	fs.StringVar(&flags.HTTP.Listen, "http", "", "HTTP status address (empty to disable)")
	fs.StringVar(&flags.MQTT.Broker, "mqtt-broker", "", "MQTT broker URL (empty to disable)")
	fs.StringVar(&flags.MQTT.TopicPrefix, "mqtt-prefix", "", "MQTT topic prefix")
	fs.Var(countValue{n: &out.Verbosity, step: 1}, "v", "More output per occurrence")
	fs.Var(countValue{n: &out.Verbosity, step: 2}, "vv", "Shorthand for -v -v")
	fs.Var(countValue{n: &out.Verbosity, step: 3}, "vvv", "Shorthand for -v -v -v")
	fs.Var(countValue{n: &out.Verbosity, step: -1}, "q", "Less output per occurrence")
	fs.BoolVar(&out.ShowVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return Args{}, err
	}
	if fs.NArg() > 0 {
		return Args{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	cfg := Default()
	if out.ConfigPath != "" {
		loaded, err := Load(out.ConfigPath)
		if err != nil {
			return Args{}, fmt.Errorf("config load failed: %w", err)
		}
		cfg = loaded
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "t", "temp-step":
			cfg.Fan.TempSteps = f.TempSteps
		case "s", "speed-step":
			cfg.Fan.SpeedSteps = f.SpeedSteps
		case "u", "manual-speed":
			cfg.Fan.ManualSpeed = f.ManualSpeed
		case "c", "pwm-channel":
			cfg.Fan.PWMChannel = f.PWMChannel
		case "pwm-chip":
			cfg.Fan.PWMChip = f.PWMChip
		case "f", "pwm-freq":
			cfg.Fan.PWMFrequencyHz = f.PWMFrequencyHz
		case "e", "sleep-secs":
			cfg.Fan.Interval = time.Duration(sleep) * time.Second
		case "b", "bcm-pin":
			cfg.Fan.BCMPin = f.BCMPin
		case "backend":
			cfg.Fan.Backend = f.Backend
		case "temp-file":
			cfg.Fan.TempPath = f.TempPath
		case "spin-up":
			cfg.Fan.SpinUp = f.SpinUp
		case "http":
			cfg.HTTP.Listen = flags.HTTP.Listen
		case "mqtt-broker":
			cfg.MQTT.Broker = flags.MQTT.Broker
		case "mqtt-prefix":
			cfg.MQTT.TopicPrefix = flags.MQTT.TopicPrefix
		}
	})
	if once {
		cfg.Fan.Interval = 0
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Args{}, err
	}
	out.Config = cfg
	return out, nil
}
