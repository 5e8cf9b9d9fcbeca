//go:build linux

package fancontrol

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// sysfsPWM drives a hardware PWM channel via /sys/class/pwm.
//
// On Raspberry Pi the channel only exists once a PWM overlay is enabled
// (`dtoverlay=pwm` or `dtoverlay=pwm-2chan`). Channel 0 is BCM GPIO 18 with
// pwm-2chan, and GPIO 12/18 depending on the overlay pin option.
type sysfsPWM struct {
	chipPath string // /sys/class/pwm/pwmchipN
	pwmPath  string // /sys/class/pwm/pwmchipN/pwmM
	channel  int

	periodNS uint64
	dutyNS   uint64
	enabled  bool
}

var pwmSysfsBase = "/sys/class/pwm"

func openSysfsPWM(chip, channel int) (Sink, error) {
	if channel < 0 {
		return nil, fmt.Errorf("fancontrol: invalid pwm channel %d", channel)
	}

	chipPath := filepath.Join(pwmSysfsBase, fmt.Sprintf("pwmchip%d", chip))
	if _, err := os.Stat(chipPath); err != nil {
		found, ferr := findPWMChip()
		if ferr != nil {
			return nil, ferr
		}
		chipPath = found
	}
	if n, err := readInt(filepath.Join(chipPath, "npwm")); err == nil && channel >= n {
		return nil, fmt.Errorf("fancontrol: %s has %d channels, pwm channel %d unavailable", chipPath, n, channel)
	}

	d := &sysfsPWM{
		chipPath: chipPath,
		channel:  channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", channel)),
	}
	if err := d.ensureExported(); err != nil {
		return nil, err
	}
	// Pick up whatever a previous run left behind so a restart does not glitch the fan.
	if v, err := readInt(filepath.Join(d.pwmPath, "period")); err == nil && v > 0 {
		d.periodNS = uint64(v)
	}
	if v, err := readInt(filepath.Join(d.pwmPath, "duty_cycle")); err == nil && v >= 0 {
		d.dutyNS = uint64(v)
	}
	if v, err := readInt(filepath.Join(d.pwmPath, "enable")); err == nil {
		d.enabled = v == 1
	}
	return d, nil
}

// findPWMChip returns the first pwmchip with at least one channel.
func findPWMChip() (string, error) {
	base := pwmSysfsBase
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("fancontrol: read %s: %w", base, err)
	}

	// Prefer pwmchip0 if present (common on Pi).
	preferred := []string{"pwmchip0", "pwmchip1", "pwmchip2"}
	// Note: in sysfs, pwmchipN entries are commonly symlinks, not directories.
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "pwmchip") {
			seen[name] = true
		}
	}
	candidates := make([]string, 0, len(preferred)+len(entries))
	for _, name := range preferred {
		if seen[name] {
			candidates = append(candidates, name)
		}
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "pwmchip") && !contains(candidates, name) {
			candidates = append(candidates, name)
		}
	}

	for _, name := range candidates {
		chip := filepath.Join(base, name)
		n, rerr := readInt(filepath.Join(chip, "npwm"))
		if rerr != nil || n <= 0 {
			continue
		}
		return chip, nil
	}

	return "", fmt.Errorf("fancontrol: no sysfs pwmchip found (is pwm overlay enabled?)")
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func (d *sysfsPWM) ensureExported() error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	exportPath := filepath.Join(d.chipPath, "export")
	if err := writeSysfs(exportPath, strconv.Itoa(d.channel)); err != nil {
		// If already exported by someone else, ignore.
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("fancontrol: export pwm: %w", err)
	}

	// Wait briefly for sysfs node to appear.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("fancontrol: pwm path not created after export: %w", err)
	}
	return nil
}

func (d *sysfsPWM) Close() error {
	return nil
}

func periodForHz(hz float64) (uint64, error) {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return 0, fmt.Errorf("fancontrol: invalid frequency %v", hz)
	}
	p := math.Round(1e9 / hz)
	if p < 1 {
		return 0, fmt.Errorf("fancontrol: frequency %v Hz too high for sysfs pwm", hz)
	}
	return uint64(p), nil
}

func (d *sysfsPWM) Apply(duty, frequencyHz float64) error {
	periodNS, err := periodForHz(frequencyHz)
	if err != nil {
		return err
	}
	if periodNS != d.periodNS {
		if err := d.setPeriod(periodNS); err != nil {
			return err
		}
	}

	dutyNS := uint64(math.Round(float64(d.periodNS) * clamp(duty, 0, 1)))
	if dutyNS > d.periodNS {
		dutyNS = d.periodNS
	}
	if dutyNS != d.dutyNS {
		if err := d.writeUint("duty_cycle", dutyNS); err != nil {
			return err
		}
		d.dutyNS = dutyNS
	}

	if !d.enabled {
		if err := d.writeBool("enable", true); err != nil {
			return err
		}
		d.enabled = true
	}
	return nil
}

func (d *sysfsPWM) setPeriod(periodNS uint64) error {
	// The kernel rejects a period shorter than the current duty_cycle.
	if d.dutyNS > periodNS {
		if err := d.writeUint("duty_cycle", 0); err != nil {
			return err
		}
		d.dutyNS = 0
	}
	if err := d.writeUint("period", periodNS); err != nil {
		return err
	}
	d.periodNS = periodNS
	return nil
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	p := filepath.Join(d.pwmPath, name)
	return writeSysfs(p, strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	p := filepath.Join(d.pwmPath, name)
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(p, val)
}

var sysfsRetryWindow = 2 * time.Second

func writeSysfs(path string, value string) error {
	// Use O_WRONLY without O_TRUNC/O_CREATE: some sysfs attributes reject
	// truncation flags. Right after an export udev may still be fixing
	// permissions, so EACCES/ENOENT are retried for a short window.
	deadline := time.Now().Add(sysfsRetryWindow)
	var lastErr error
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			lastErr = err
			if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
				time.Sleep(25 * time.Millisecond)
				continue
			}
			return err
		}
		_, werr := f.WriteString(value)
		cerr := f.Close()
		if werr == nil && cerr == nil {
			return nil
		}
		if werr != nil {
			lastErr = werr
		} else {
			lastErr = cerr
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(lastErr) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		if werr != nil && cerr != nil {
			return errors.Join(werr, cerr)
		}
		if werr != nil {
			return werr
		}
		return cerr
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
