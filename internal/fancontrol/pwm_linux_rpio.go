//go:build linux

package fancontrol

import (
	"fmt"
	"math"

	"github.com/stianeikeland/go-rpio"
)

// BCM pins routed to the PWM0/PWM1 peripheral.
var rpioPWMPins = map[int]bool{12: true, 13: true, 18: true, 19: true}

// rpio cannot clock the PWM peripheral below this rate.
const rpioMinClockHz = 4688

// rpioPWM drives the BCM2835 PWM peripheral through /dev/gpiomem.
// It does not work on the Raspberry Pi 5, use the sysfs backend there.
type rpioPWM struct {
	pin   rpio.Pin
	cycle uint32
	hz    float64
}

func openRPIO(pin int) (Sink, error) {
	if !rpioPWMPins[pin] {
		return nil, fmt.Errorf("fancontrol: bcm pin %d has no hardware pwm (use 12, 13, 18 or 19)", pin)
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("fancontrol: rpio open: %w", err)
	}
	p := rpio.Pin(uint8(pin))
	p.Mode(rpio.Pwm)
	return &rpioPWM{pin: p}, nil
}

var openRPIOFn = openRPIO

// rpioCycle picks a cycle length so that frequency*cycle stays above the
// minimum clock rate while keeping at least percent resolution.
func rpioCycle(hz float64) (uint32, error) {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return 0, fmt.Errorf("fancontrol: invalid frequency %v", hz)
	}
	cycle := math.Max(100, math.Ceil(rpioMinClockHz/hz))
	if cycle > math.MaxUint32 {
		return 0, fmt.Errorf("fancontrol: frequency %v Hz too low for rpio pwm", hz)
	}
	return uint32(cycle), nil
}

func (r *rpioPWM) Apply(duty, frequencyHz float64) error {
	if frequencyHz != r.hz || r.cycle == 0 {
		cycle, err := rpioCycle(frequencyHz)
		if err != nil {
			return err
		}
		r.pin.Freq(int(math.Round(frequencyHz * float64(cycle))))
		r.cycle = cycle
		r.hz = frequencyHz
	}
	dutyLen := uint32(math.Round(clamp(duty, 0, 1) * float64(r.cycle)))
	r.pin.DutyCycle(dutyLen, r.cycle)
	return nil
}

func (r *rpioPWM) Close() error {
	return rpio.Close()
}
