package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"sbcfan/internal/curve"
	"sbcfan/internal/fancontrol"
)

func TestRecorder_Observe(t *testing.T) {
	r := New()
	r.Observe(fancontrol.Snapshot{Cause: fancontrol.CauseUpdate, CPUValid: true, CPUTempC: 65, Duty: 0.42})

	if got := testutil.ToFloat64(r.temp); got != 65 {
		t.Fatalf("temp=%v want 65", got)
	}
	if got := testutil.ToFloat64(r.duty); got != 0.42 {
		t.Fatalf("duty=%v want 0.42", got)
	}
	if got := testutil.ToFloat64(r.override); got != 0 {
		t.Fatalf("override=%v want 0", got)
	}

	r.Observe(fancontrol.Snapshot{Cause: fancontrol.CauseUpdate, Duty: 1, TempError: "read cpu temp: gone"})
	r.Observe(fancontrol.Snapshot{Cause: fancontrol.CauseUpdate, CPUValid: true, CPUTempC: 70, Duty: 0.5, ManualOverride: true, PWMError: "apply pwm failed"})

	if got := testutil.ToFloat64(r.errors.WithLabelValues("temperature")); got != 1 {
		t.Fatalf("temperature errors=%v want 1", got)
	}
	if got := testutil.ToFloat64(r.errors.WithLabelValues("pwm")); got != 1 {
		t.Fatalf("pwm errors=%v want 1", got)
	}
	if got := testutil.ToFloat64(r.updates); got != 3 {
		t.Fatalf("updates=%v want 3", got)
	}
	if got := testutil.ToFloat64(r.override); got != 1 {
		t.Fatalf("override=%v want 1", got)
	}
}

func TestRecorder_CountsBothErrorKindsOnOneUpdate(t *testing.T) {
	r := New()
	r.Observe(fancontrol.Snapshot{
		Cause:     fancontrol.CauseUpdate,
		TempError: "read cpu temp: gone",
		PWMError:  "fancontrol: apply pwm failed: write duty_cycle: invalid argument",
		LastError: "read cpu temp: gone\nfancontrol: apply pwm failed: write duty_cycle: invalid argument",
	})
	if got := testutil.ToFloat64(r.errors.WithLabelValues("temperature")); got != 1 {
		t.Fatalf("temperature errors=%v want 1", got)
	}
	if got := testutil.ToFloat64(r.errors.WithLabelValues("pwm")); got != 1 {
		t.Fatalf("pwm errors=%v want 1", got)
	}
}

func TestRecorder_NonUpdateNotificationsOnlyMoveGauges(t *testing.T) {
	r := New()
	r.Observe(fancontrol.Snapshot{Cause: fancontrol.CauseUpdate, Duty: 0.3, TempError: "gone"})
	r.Observe(fancontrol.Snapshot{Cause: fancontrol.CauseStopped, Duty: 1, TempError: "gone"})
	r.Observe(fancontrol.Snapshot{Cause: fancontrol.CauseSpinUp, Duty: 1})

	if got := testutil.ToFloat64(r.updates); got != 1 {
		t.Fatalf("updates=%v want 1", got)
	}
	if got := testutil.ToFloat64(r.errors.WithLabelValues("temperature")); got != 1 {
		t.Fatalf("temperature errors=%v want 1", got)
	}
	if got := testutil.ToFloat64(r.duty); got != 1 {
		t.Fatalf("duty=%v want 1", got)
	}
}

type brokenTemp struct{}

func (brokenTemp) ReadTempC() (uint8, error) { return 0, errors.New("read cpu temp: gone") }

func TestRecorder_MatchesServiceUpdatesAcrossStartAndClose(t *testing.T) {
	c, err := curve.New([]uint8{50, 70, 80}, []uint8{20, 50, 100}, nil)
	if err != nil {
		t.Fatalf("curve.New: %v", err)
	}
	r := New()
	svc, err := fancontrol.New(fancontrol.Config{
		Sink:     fancontrol.SinkConfig{Backend: fancontrol.BackendNoop},
		Interval: time.Hour,
	}, c, fancontrol.WithTempSource(brokenTemp{}), fancontrol.WithObserver(r))
	if err != nil {
		t.Fatalf("fancontrol.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Close()

	snap := svc.Snapshot()
	if got := testutil.ToFloat64(r.updates); got != float64(snap.Updates) {
		t.Fatalf("updates_total=%v want %d", got, snap.Updates)
	}
	if got := testutil.ToFloat64(r.errors.WithLabelValues("temperature")); got != float64(snap.Updates) {
		t.Fatalf("temperature errors=%v want %d", got, snap.Updates)
	}
	if got := testutil.ToFloat64(r.duty); got != 1 {
		t.Fatalf("duty=%v want failsafe 1", got)
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.Observe(fancontrol.Snapshot{Cause: fancontrol.CauseUpdate, CPUValid: true, CPUTempC: 50, Duty: 0.2})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "sbcfan_duty_cycle_ratio 0.2") {
		t.Fatalf("metrics body missing duty gauge:\n%s", body)
	}
}
