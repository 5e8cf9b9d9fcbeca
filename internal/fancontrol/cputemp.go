package fancontrol

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

const cpuTempPath = "/sys/class/thermal/thermal_zone0/temp"

// TempSource supplies the CPU temperature in whole degrees C.
type TempSource interface {
	ReadTempC() (uint8, error)
}

// FileTemp reads a thermal zone file holding millidegrees C.
type FileTemp struct {
	Path string
}

func (f FileTemp) ReadTempC() (uint8, error) {
	path := f.Path
	if path == "" {
		path = cpuTempPath
	}
	return readCPUTempCFromPath(path)
}

// parseMilliC converts a millidegree reading to degrees, rounded to the
// nearest whole degree. Readings outside [0,255] are rejected.
func parseMilliC(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("cpu temp empty")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cpu temp %q: %w", s, err)
	}
	c := math.Round(v / 1000.0)
	if math.IsNaN(c) || c < 0 || c > math.MaxUint8 {
		return 0, fmt.Errorf("cpu temp %q out of range 0-255 C", s)
	}
	return uint8(c), nil
}

func readCPUTempCFromPath(path string) (uint8, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read cpu temp: %w", err)
	}
	return parseMilliC(string(b))
}
