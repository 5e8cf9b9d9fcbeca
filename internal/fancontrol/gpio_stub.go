//go:build !linux

package fancontrol

import "fmt"

func openGPIO(pin int) (Sink, error) {
	return nil, fmt.Errorf("fancontrol: gpio unsupported on this platform")
}

var openGPIOFn = openGPIO
