//go:build !linux

package fancontrol

import "fmt"

func openSysfsPWM(chip, channel int) (Sink, error) {
	return nil, fmt.Errorf("fancontrol: sysfs pwm unsupported on this platform")
}
