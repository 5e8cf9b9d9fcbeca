// Package curve maps a CPU temperature to a fan duty cycle through a
// piecewise-linear curve of (temperature, speed) breakpoints.
//
// A Curve is validated once by New and is read-only afterwards, so it can be
// shared between goroutines without locking. Evaluation never fails.
package curve

import (
	"errors"
	"fmt"
)

// MaxPercent is the upper bound of a speed step or manual override.
const MaxPercent = 100

var (
	// ErrStepCountMismatch means temperature and speed steps differ in length.
	ErrStepCountMismatch = errors.New("the number of temperature steps must match the number of speed steps")
	// ErrNoSteps means the curve has no breakpoints at all.
	ErrNoSteps = errors.New("at least one temperature/speed step is required")
	// ErrSpeedOutOfRange means a speed step or override exceeds 100 percent.
	ErrSpeedOutOfRange = errors.New("speed not in percentage range 0-100")
)

// Error carries the offending field alongside one of the sentinel errors.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "curve: " + e.Err.Error()
	}
	return fmt.Sprintf("curve: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Breakpoint is one vertex of the curve.
type Breakpoint struct {
	TempC   uint8 `json:"temp_c"`
	Percent uint8 `json:"percent"`
}

// Curve is a validated fan curve with an optional manual override.
type Curve struct {
	temps  []uint8
	speeds []uint8

	override    uint8
	hasOverride bool
}

// New validates the steps and returns an immutable Curve. The slices are
// copied. Monotonicity of either sequence is not checked.
func New(temps, speeds []uint8, override *uint8) (*Curve, error) {
	if len(temps) != len(speeds) {
		return nil, &Error{
			Field: fmt.Sprintf("%d temperature steps, %d speed steps", len(temps), len(speeds)),
			Err:   ErrStepCountMismatch,
		}
	}
	if len(temps) == 0 {
		return nil, &Error{Err: ErrNoSteps}
	}
	for i, s := range speeds {
		if s > MaxPercent {
			return nil, &Error{Field: fmt.Sprintf("speed_steps[%d]=%d", i, s), Err: ErrSpeedOutOfRange}
		}
	}

	c := &Curve{
		temps:  append([]uint8(nil), temps...),
		speeds: append([]uint8(nil), speeds...),
	}
	if override != nil {
		if *override > MaxPercent {
			return nil, &Error{Field: fmt.Sprintf("manual_speed=%d", *override), Err: ErrSpeedOutOfRange}
		}
		c.override = *override
		c.hasOverride = true
	}
	return c, nil
}

// WithOverride returns a copy of c using the given override; nil clears it.
// The breakpoints are shared since neither copy mutates them.
func (c *Curve) WithOverride(override *uint8) (*Curve, error) {
	out := &Curve{temps: c.temps, speeds: c.speeds}
	if override != nil {
		if *override > MaxPercent {
			return nil, &Error{Field: fmt.Sprintf("manual_speed=%d", *override), Err: ErrSpeedOutOfRange}
		}
		out.override = *override
		out.hasOverride = true
	}
	return out, nil
}

// Override reports the manual override, if any.
func (c *Curve) Override() (uint8, bool) {
	return c.override, c.hasOverride
}

// Breakpoints returns a copy of the curve's vertices in configured order.
func (c *Curve) Breakpoints() []Breakpoint {
	out := make([]Breakpoint, len(c.temps))
	for i := range c.temps {
		out[i] = Breakpoint{TempC: c.temps[i], Percent: c.speeds[i]}
	}
	return out
}

// DutyCycle returns the fan duty for tempC as a fraction in [0, 1].
func (c *Curve) DutyCycle(tempC uint8) float64 {
	return float64(c.Percent(tempC)) / MaxPercent
}

// Percent returns the fan speed for tempC as an integer percentage.
//
// Between two breakpoints the value is interpolated with floor division on
// the percentage, so the fraction returned by DutyCycle is always a whole
// percent. A temperature equal to an interior breakpoint matches the lower
// bracket first and therefore yields that breakpoint's own speed. Adjacent
// breakpoints sharing a temperature form a zero-width bracket that also
// yields the lower-index speed.
func (c *Curve) Percent(tempC uint8) uint8 {
	if c.hasOverride {
		return c.override
	}

	last := len(c.temps) - 1
	if tempC < c.temps[0] {
		return c.speeds[0]
	}
	if tempC > c.temps[last] {
		return c.speeds[last]
	}

	for i := 0; i < last; i++ {
		lo, hi := c.temps[i], c.temps[i+1]
		if tempC < lo || tempC > hi {
			continue
		}
		return interpolate(lo, hi, c.speeds[i], c.speeds[i+1], tempC)
	}

	// Single breakpoint, or a non-monotonic temperature list with no bracket.
	return c.speeds[last]
}

func interpolate(lo, hi, slo, shi, t uint8) uint8 {
	tempRange := int(hi) - int(lo)
	if tempRange == 0 {
		return slo
	}
	speedRange := int(shi) - int(slo)
	tempDiff := int(t) - int(lo)
	return uint8(int(slo) + floorDiv(speedRange*tempDiff, tempRange))
}

// floorDiv divides rounding toward negative infinity; b must be positive.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}
