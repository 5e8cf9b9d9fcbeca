package fancontrol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"sbcfan/internal/curve"
)

var afterFn = time.After

// failsafeDuty is applied when the temperature cannot be read and when the
// control loop exits.
const failsafeDuty = 1.0

type Config struct {
	Sink SinkConfig
	// FrequencyHz is the PWM output frequency.
	FrequencyHz float64
	// Interval between loop updates; Start requires it to be positive.
	Interval time.Duration
	// SpinUp holds full duty for this long before the first curve value.
	SpinUp time.Duration
	// TempPath is the thermal zone file read by the default TempSource.
	TempPath string
}

type Snapshot struct {
	Backend string `json:"backend"`

	CPUValid bool  `json:"cpu_valid"`
	CPUTempC uint8 `json:"cpu_temp_c"`

	PWMAvailable bool    `json:"pwm_available"`
	Duty         float64 `json:"duty"`
	DutyPercent  int     `json:"duty_percent"`
	FrequencyHz  float64 `json:"frequency_hz"`

	ManualOverride  bool  `json:"manual_override"`
	OverridePercent uint8 `json:"override_percent,omitempty"`

	Updates      uint64    `json:"updates"`
	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`

	// Errors of the most recent update, split by source.
	TempError string `json:"temp_error,omitempty"`
	PWMError  string `json:"pwm_error,omitempty"`

	// Cause is set on the copies handed to observers.
	Cause Cause `json:"-"`
}

// Cause says why observers were notified.
type Cause string

const (
	// CauseUpdate follows a read, interpolate and apply cycle.
	CauseUpdate Cause = "update"
	// CauseSpinUp follows the full-duty kick before the first update.
	CauseSpinUp Cause = "spin_up"
	// CauseStopped follows the failsafe duty applied when the loop exits.
	CauseStopped Cause = "stopped"
)

// Observer receives a snapshot after every update, after the spin-up kick
// and after the failsafe duty on loop exit. Snapshot.Cause tells them apart.
type Observer interface {
	Observe(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) Observe(s Snapshot) { f(s) }

type Option func(*Service)

// WithTempSource replaces the thermal zone reader.
func WithTempSource(src TempSource) Option {
	return func(s *Service) { s.temp = src }
}

// WithObserver registers an observer; observers run on the control goroutine.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

type Service struct {
	cfg       Config
	log       *slog.Logger
	temp      TempSource
	observers []Observer

	curve atomic.Pointer[curve.Curve]

	mu   sync.RWMutex
	snap Snapshot

	drvMu sync.Mutex
	drv   Sink

	wg sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, c *curve.Curve, opts ...Option) (*Service, error) {
	if c == nil {
		return nil, fmt.Errorf("fancontrol: curve is nil")
	}
	if cfg.Sink.Backend == "" {
		cfg.Sink.Backend = BackendSysfs
	}
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = 2.0
	}

	s := &Service{
		cfg:    cfg,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		temp:   FileTemp{Path: cfg.TempPath},
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.curve.Store(c)
	s.snap.Backend = cfg.Sink.Backend
	s.snap.FrequencyHz = cfg.FrequencyHz
	s.snap.ManualOverride, s.snap.OverridePercent = overrideState(c)
	return s, nil
}

// Curve returns the curve currently in use.
func (s *Service) Curve() *curve.Curve {
	return s.curve.Load()
}

// SetOverride swaps in a curve with the given manual override; nil returns
// to automatic control. It takes effect on the next update.
func (s *Service) SetOverride(percent *uint8) error {
	for {
		cur := s.curve.Load()
		next, err := cur.WithOverride(percent)
		if err != nil {
			return err
		}
		if s.curve.CompareAndSwap(cur, next) {
			on, p := overrideState(next)
			s.setState(func(sn *Snapshot) {
				sn.ManualOverride = on
				sn.OverridePercent = p
			})
			s.log.Info("manual override changed", "enabled", on, "percent", p)
			return nil
		}
	}
}

func overrideState(c *curve.Curve) (bool, uint8) {
	p, ok := c.Override()
	return ok, p
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Service) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
	s.snap.LastUpdateAt = time.Now().UTC()
}

func (s *Service) open() (Sink, error) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	if s.drv != nil {
		return s.drv, nil
	}
	drv, err := openSinkFn(s.cfg.Sink, s.log)
	if err != nil {
		s.setState(func(sn *Snapshot) { sn.LastError = err.Error() })
		return nil, err
	}
	s.drv = drv
	s.setState(func(sn *Snapshot) { sn.PWMAvailable = true })
	return drv, nil
}

// RunOnce opens the sink, applies a single update and leaves the output in
// place. Temperature and sink errors are returned.
func (s *Service) RunOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	drv, err := s.open()
	if err != nil {
		return err
	}
	return s.update(drv)
}

// Start opens the sink and runs the control loop on its own goroutine until
// ctx is canceled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("fancontrol: service is nil")
	}
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("fancontrol: interval must be > 0 for the control loop")
	}
	drv, err := s.open()
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.startupAndRun(ctx, drv)
	}()

	// Ensure resources are released if the runtime context is canceled.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stopCh:
		}
	}()
	return nil
}

// Close stops the loop and releases the sink. Safe to call more than once.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	// Ensure the sink is not used concurrently with Close.
	s.wg.Wait()

	s.drvMu.Lock()
	drv := s.drv
	s.drv = nil
	s.drvMu.Unlock()
	if drv != nil {
		if err := drv.Close(); err != nil {
			s.log.Warn("pwm close failed", "err", err)
		}
	}
}

func (s *Service) startupAndRun(ctx context.Context, drv Sink) {
	defer func() {
		// Leave the fan running flat out once nothing is regulating it.
		if err := drv.Apply(failsafeDuty, s.cfg.FrequencyHz); err != nil {
			s.log.Error("fancontrol: failsafe duty not applied", "err", err)
			return
		}
		s.setState(func(sn *Snapshot) { setDuty(sn, failsafeDuty) })
		s.notify(CauseStopped)
		s.log.Info("control loop stopped, fan left at full speed")
	}()

	if s.cfg.SpinUp > 0 {
		s.log.Info("spin-up", "duration", s.cfg.SpinUp)
		if err := drv.Apply(failsafeDuty, s.cfg.FrequencyHz); err != nil {
			s.setState(func(sn *Snapshot) { sn.LastError = fmt.Sprintf("fancontrol: apply pwm failed: %v", err) })
		} else {
			s.setState(func(sn *Snapshot) { setDuty(sn, failsafeDuty) })
			s.notify(CauseSpinUp)
		}
		select {
		case <-afterFn(s.cfg.SpinUp):
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}

	s.runLoop(ctx, drv)
}

func (s *Service) runLoop(ctx context.Context, drv Sink) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		// Errors are recorded in the snapshot; the loop keeps going.
		_ = s.update(drv)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
		}
	}
}

// update performs one read → interpolate → apply cycle.
func (s *Service) update(drv Sink) error {
	c := s.curve.Load()
	override, overridden := c.Override()

	tempC, terr := s.temp.ReadTempC()
	var duty float64
	switch {
	case overridden:
		duty = c.DutyCycle(0)
	case terr != nil:
		s.log.Warn("cpu temperature unavailable, running fan at full speed", "err", terr)
		duty = failsafeDuty
	default:
		duty = c.DutyCycle(tempC)
	}

	aerr := drv.Apply(duty, s.cfg.FrequencyHz)
	if aerr != nil {
		aerr = fmt.Errorf("fancontrol: apply pwm failed: %w", aerr)
		s.log.Error("pwm update failed", "duty", duty, "err", aerr)
	} else {
		s.log.Debug("pwm updated", "temp_c", tempC, "duty", duty, "frequency_hz", s.cfg.FrequencyHz, "override", overridden)
	}

	// With an override the reading is informational only.
	err := aerr
	if !overridden {
		err = errors.Join(terr, aerr)
	}
	s.setState(func(sn *Snapshot) {
		sn.Updates++
		sn.CPUValid = terr == nil
		if terr == nil {
			sn.CPUTempC = tempC
		}
		sn.ManualOverride = overridden
		sn.OverridePercent = override
		if aerr == nil {
			setDuty(sn, duty)
		}
		if err != nil {
			sn.LastError = err.Error()
		} else {
			sn.LastError = ""
		}
		sn.TempError = errString(terr)
		sn.PWMError = errString(aerr)
	})

	s.notify(CauseUpdate)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Service) notify(cause Cause) {
	snap := s.Snapshot()
	snap.Cause = cause
	for _, o := range s.observers {
		o.Observe(snap)
	}
}

func setDuty(sn *Snapshot, duty float64) {
	sn.Duty = duty
	sn.DutyPercent = int(math.Round(duty * 100))
}
