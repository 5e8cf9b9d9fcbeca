package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"sbcfan/internal/config"
	"sbcfan/internal/curve"
	"sbcfan/internal/fancontrol"
	"sbcfan/internal/logging"
	"sbcfan/internal/mqtt"
)

func writeTempFile(t *testing.T, milliC string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "temp")
	if err := os.WriteFile(path, []byte(milliC+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func useHost(t *testing.T, p fancontrol.Platform) {
	t.Helper()
	prev := detectPlatformFn
	detectPlatformFn = func() fancontrol.Platform { return p }
	t.Cleanup(func() { detectPlatformFn = prev })
}

func useFakePublisher(t *testing.T) *mqtt.FakePublisher {
	t.Helper()
	fake := mqtt.NewFakePublisher()
	prev := newPublisherFn
	newPublisherFn = func(mqtt.Options, mqtt.Overrider, *slog.Logger) (statePublisher, error) {
		return fake, nil
	}
	t.Cleanup(func() { newPublisherFn = prev })
	return fake
}

func testConfig(t *testing.T, milliC string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Fan.Backend = config.BackendNoop
	cfg.Fan.TempPath = writeTempFile(t, milliC)
	return cfg
}

func testDeps(buf *bytes.Buffer) runtimeDeps {
	return runtimeDeps{log: logging.New(buf, slog.LevelDebug, false)}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	if code := run(context.Background(), []string{"--version"}, &stdout, io.Discard); code != 0 {
		t.Fatalf("exit=%d", code)
	}
	if got := stdout.String(); got != "sbcfan dev\n" {
		t.Fatalf("stdout=%q", got)
	}
}

func TestRun_BadFlag(t *testing.T) {
	var stderr bytes.Buffer
	if code := run(context.Background(), []string{"-s", "20,50,120"}, io.Discard, &stderr); code != 2 {
		t.Fatalf("exit=%d want 2", code)
	}
	if !strings.Contains(stderr.String(), "120 isn't in percentage range 1-100") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRun_OneShot(t *testing.T) {
	useHost(t, fancontrol.Platform{OS: "linux"})
	path := writeTempFile(t, "65000")

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"--backend", "noop", "--temp-file", path, "--once", "-vv"}, io.Discard, &stderr)
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "duty=0.42") {
		t.Fatalf("stderr=%q want duty=0.42", stderr.String())
	}
}

func TestRun_MismatchedStepsExit1(t *testing.T) {
	useHost(t, fancontrol.Platform{OS: "linux"})
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"--backend", "noop", "-t", "50,70", "-s", "20,50,100"}, io.Discard, &stderr)
	if code != 1 {
		t.Fatalf("exit=%d want 1", code)
	}
	if !strings.Contains(stderr.String(), "the number of temperature steps must match the number of speed steps") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRun_LoopStopsOnCancel(t *testing.T) {
	useHost(t, fancontrol.Platform{OS: "linux"})
	path := writeTempFile(t, "40000")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var stderr bytes.Buffer
	code := run(ctx, []string{"--backend", "noop", "--temp-file", path, "-e", "1", "-v"}, io.Discard, &stderr)
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr.String())
	}
	out := stderr.String()
	if !strings.Contains(out, "duty=0.2") {
		t.Fatalf("expected curve duty in log: %q", out)
	}
	if !strings.Contains(out, "fan left at full speed") {
		t.Fatalf("expected failsafe on exit: %q", out)
	}
}

func TestRuntime_ContainerForcesNoop(t *testing.T) {
	useHost(t, fancontrol.Platform{OS: "linux", Container: true})
	cfg := testConfig(t, "75000")
	cfg.Fan.Backend = config.BackendSysfs

	var logs bytes.Buffer
	rt, err := newRuntime(context.Background(), cfg, testDeps(&logs))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Close()

	if rt.cfg.Fan.Backend != config.BackendNoop {
		t.Fatalf("backend=%q want noop", rt.cfg.Fan.Backend)
	}
	if err := rt.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := rt.Service().Snapshot().DutyPercent; got != 75 {
		t.Fatalf("duty_percent=%d want 75", got)
	}
	if !strings.Contains(logs.String(), "running in a container") {
		t.Fatalf("logs=%q", logs.String())
	}
}

func TestRuntime_MetricsAndMQTT(t *testing.T) {
	useHost(t, fancontrol.Platform{OS: "linux"})
	fake := useFakePublisher(t)
	cfg := testConfig(t, "65000")
	cfg.MQTT.Broker = "tcp://127.0.0.1:1883"

	var logs bytes.Buffer
	rt, err := newRuntime(context.Background(), cfg, testDeps(&logs))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}

	if err := rt.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if fake.Count() != 1 {
		t.Fatalf("published=%d want 1", fake.Count())
	}
	want := `
# HELP sbcfan_duty_cycle_ratio Fan PWM duty cycle currently applied (0-1).
# TYPE sbcfan_duty_cycle_ratio gauge
sbcfan_duty_cycle_ratio 0.42
`
	if err := testutil.GatherAndCompare(rt.metrics.Registry(), strings.NewReader(want), "sbcfan_duty_cycle_ratio"); err != nil {
		t.Fatalf("metrics: %v", err)
	}

	if err := fake.Deliver(rt.Service(), []byte("80")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := rt.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	snap := rt.Service().Snapshot()
	if !snap.ManualOverride || snap.DutyPercent != 80 {
		t.Fatalf("snapshot=%+v", snap)
	}

	rt.Close()
	if !fake.Closed {
		t.Fatalf("publisher not closed")
	}
}

func TestRuntime_MismatchedStepsFailBeforePlatformDetection(t *testing.T) {
	detected := false
	prev := detectPlatformFn
	detectPlatformFn = func() fancontrol.Platform {
		detected = true
		return fancontrol.Platform{OS: "linux"}
	}
	t.Cleanup(func() { detectPlatformFn = prev })

	cfg := testConfig(t, "65000")
	cfg.Fan.SpeedSteps = []uint8{20, 50}

	var logs bytes.Buffer
	_, err := newRuntime(context.Background(), cfg, testDeps(&logs))
	if !errors.Is(err, curve.ErrStepCountMismatch) {
		t.Fatalf("err=%v want ErrStepCountMismatch", err)
	}
	if detected {
		t.Fatalf("platform detected before the curve was validated")
	}
	if logs.Len() != 0 {
		t.Fatalf("nothing should be logged before validation: %q", logs.String())
	}
}

func TestRuntime_WarnsOnNonPiBoard(t *testing.T) {
	cases := []struct {
		name     string
		platform fancontrol.Platform
		backend  string
		warn     bool
	}{
		{"UnknownBoardSysfs", fancontrol.Platform{OS: "linux", Model: "Generic x86 board"}, config.BackendSysfs, true},
		{"NoModelRPIO", fancontrol.Platform{OS: "linux"}, config.BackendRPIO, true},
		{"RaspberryPi", fancontrol.Platform{OS: "linux", Model: "Raspberry Pi 4 Model B Rev 1.4"}, config.BackendSysfs, false},
		{"NoopAnywhere", fancontrol.Platform{OS: "linux"}, config.BackendNoop, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			useHost(t, tc.platform)
			cfg := testConfig(t, "65000")
			cfg.Fan.Backend = tc.backend

			var logs bytes.Buffer
			rt, err := newRuntime(context.Background(), cfg, testDeps(&logs))
			if err != nil {
				t.Fatalf("newRuntime: %v", err)
			}
			defer rt.Close()

			if got := strings.Contains(logs.String(), "board is not a Raspberry Pi"); got != tc.warn {
				t.Fatalf("warned=%v want %v; logs=%q", got, tc.warn, logs.String())
			}
			if rt.cfg.Fan.Backend != tc.backend {
				t.Fatalf("backend=%q want %q", rt.cfg.Fan.Backend, tc.backend)
			}
		})
	}
}
