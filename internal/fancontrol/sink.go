package fancontrol

import (
	"fmt"
	"log/slog"
	"sync"
)

// Sink applies a duty cycle to the fan hardware.
//
// Duty is a fraction in [0,1]; frequencyHz is the PWM output frequency.
// Backends without a frequency notion ignore it. Close releases the handle
// without changing the output, so the last duty persists after the process
// exits.
type Sink interface {
	Apply(duty, frequencyHz float64) error
	Close() error
}

// SinkConfig selects and addresses a backend.
type SinkConfig struct {
	Backend    string
	PWMChip    int
	PWMChannel int
	BCMPin     int
}

const (
	BackendSysfs = "sysfs"
	BackendRPIO  = "rpio"
	BackendGPIO  = "gpio"
	BackendNoop  = "noop"
)

var openSinkFn = openSink

func openSink(cfg SinkConfig, log *slog.Logger) (Sink, error) {
	switch cfg.Backend {
	case BackendSysfs, "":
		return openSysfsPWM(cfg.PWMChip, cfg.PWMChannel)
	case BackendRPIO:
		return openRPIOFn(cfg.BCMPin)
	case BackendGPIO:
		return openGPIOFn(cfg.BCMPin)
	case BackendNoop:
		return &noopSink{log: log}, nil
	}
	return nil, fmt.Errorf("fancontrol: unknown backend %q", cfg.Backend)
}

// noopSink only logs; it is used inside containers where the PWM hardware
// is not reachable.
type noopSink struct {
	log *slog.Logger

	mu   sync.Mutex
	last float64
}

func (n *noopSink) Apply(duty, frequencyHz float64) error {
	n.mu.Lock()
	n.last = duty
	n.mu.Unlock()
	if n.log != nil {
		n.log.Info("pwm (noop)", "duty", duty, "frequency_hz", frequencyHz)
	}
	return nil
}

func (n *noopSink) Close() error { return nil }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
