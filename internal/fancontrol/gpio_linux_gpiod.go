//go:build linux

package fancontrol

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openGPIO drives a BCM GPIO as a digital output through the Linux GPIO
// character device. It is meant for 2-wire fans switched by a transistor:
// any duty above zero turns the fan on.
func openGPIO(pin int) (Sink, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("fancontrol: invalid gpio pin %d", pin)
	}

	// On Pi, line names are commonly "GPIO18", etc.
	lineName := fmt.Sprintf("GPIO%d", pin)

	// Pi 5 kernels expose the header on gpiochip4 or gpiochip0 depending on version.
	chipCandidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join("/dev", name)
		if strings.HasPrefix(name, "gpiochip") && !contains(chipCandidates, p) {
			chipCandidates = append(chipCandidates, p)
		}
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("sbcfan"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpiodGPIO{chip: chip, line: line}, nil
	}

	return nil, fmt.Errorf("fancontrol: gpio line %q not found (or busy)", lineName)
}

var openGPIOFn = openGPIO

type gpiodGPIO struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodGPIO) Apply(duty, _ float64) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("fancontrol: gpio driver not initialized")
	}
	return g.line.SetValue(gpioLevel(duty))
}

func gpioLevel(duty float64) int {
	if duty > 0 {
		return 1
	}
	return 0
}

func (g *gpiodGPIO) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
