//go:build !linux

package fancontrol

import "fmt"

func openRPIO(pin int) (Sink, error) {
	return nil, fmt.Errorf("fancontrol: rpio unsupported on this platform")
}

var openRPIOFn = openRPIO
