// Package metrics exports controller state as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sbcfan/internal/fancontrol"
)

// Recorder holds the controller gauges on a private registry.
type Recorder struct {
	reg *prometheus.Registry

	temp     prometheus.Gauge
	duty     prometheus.Gauge
	override prometheus.Gauge
	updates  prometheus.Counter
	errors   *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		temp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbcfan_cpu_temperature_celsius",
			Help: "Last CPU temperature reading in whole degrees Celsius.",
		}),
		duty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbcfan_duty_cycle_ratio",
			Help: "Fan PWM duty cycle currently applied (0-1).",
		}),
		override: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbcfan_manual_override",
			Help: "1 when a manual speed override is active.",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbcfan_updates_total",
			Help: "Control loop updates performed.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcfan_errors_total",
			Help: "Control loop updates that ended with an error, by kind.",
		}, []string{"kind"}),
	}
	r.reg.MustRegister(r.temp, r.duty, r.override, r.updates, r.errors)
	return r
}

// Observe implements fancontrol.Observer. Gauges follow every notification;
// counters only move for control updates.
func (r *Recorder) Observe(s fancontrol.Snapshot) {
	if s.CPUValid {
		r.temp.Set(float64(s.CPUTempC))
	}
	r.duty.Set(s.Duty)
	if s.ManualOverride {
		r.override.Set(1)
	} else {
		r.override.Set(0)
	}

	if s.Cause != fancontrol.CauseUpdate {
		return
	}
	r.updates.Inc()
	if s.TempError != "" {
		r.errors.WithLabelValues("temperature").Inc()
	}
	if s.PWMError != "" {
		r.errors.WithLabelValues("pwm").Inc()
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
