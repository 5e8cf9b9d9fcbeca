package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"sbcfan/internal/config"
	"sbcfan/internal/fancontrol"
	"sbcfan/internal/metrics"
	"sbcfan/internal/mqtt"
	"sbcfan/internal/web"
)

type statePublisher interface {
	mqtt.Publisher
	mqtt.ConnectionStatus
	fancontrol.Observer
}

var (
	detectPlatformFn = fancontrol.DetectPlatform
	newPublisherFn   = func(opts mqtt.Options, ov mqtt.Overrider, log *slog.Logger) (statePublisher, error) {
		return mqtt.NewRealPublisher(opts, ov, log)
	}
)

type runtimeDeps struct {
	log  *slog.Logger
	logs *web.LogBuffer
}

// fanRuntime owns the controller and the optional HTTP and MQTT surfaces.
type fanRuntime struct {
	cfg      config.Config
	log      *slog.Logger
	platform fancontrol.Platform

	svc     *fancontrol.Service
	metrics *metrics.Recorder
	pub     statePublisher

	obsMu     sync.RWMutex
	observers []fancontrol.Observer

	httpCancel context.CancelFunc
	httpDone   chan struct{}

	closeOnce sync.Once
}

func newRuntime(ctx context.Context, cfg config.Config, deps runtimeDeps) (*fanRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	log := deps.log
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	// Step validation comes before host detection.
	fc, err := c.Curve()
	if err != nil {
		return nil, err
	}

	r := &fanRuntime{
		log:      log,
		platform: detectPlatformFn(),
		metrics:  metrics.New(),
	}
	log.Info("platform", "platform", r.platform)
	switch {
	case r.platform.Container && c.Fan.Backend != config.BackendNoop:
		log.Warn("running in a container, pwm output disabled", "backend", c.Fan.Backend)
		c.Fan.Backend = config.BackendNoop
	case !r.platform.Container && c.Fan.Backend != config.BackendNoop && !r.platform.IsRaspberryPi():
		log.Warn("board is not a Raspberry Pi, pwm output may not reach a fan", "model", r.platform.Model, "backend", c.Fan.Backend)
	}
	r.cfg = c

	svc, err := fancontrol.New(fancontrol.Config{
		Sink: fancontrol.SinkConfig{
			Backend:    c.Fan.Backend,
			PWMChip:    c.Fan.PWMChip,
			PWMChannel: c.Fan.PWMChannel,
			BCMPin:     c.Fan.BCMPin,
		},
		FrequencyHz: c.Fan.PWMFrequencyHz,
		Interval:    c.Fan.Interval,
		SpinUp:      c.Fan.SpinUp,
		TempPath:    c.Fan.TempPath,
	}, fc,
		fancontrol.WithLogger(log.With("component", "fan")),
		fancontrol.WithObserver(fancontrol.ObserverFunc(r.observe)),
	)
	if err != nil {
		return nil, err
	}
	r.svc = svc
	r.addObserver(r.metrics)

	// Optional: MQTT state and override commands.
	if c.MQTT.Broker != "" {
		pub, err := newPublisherFn(mqtt.Options{
			Broker:      c.MQTT.Broker,
			ClientID:    c.MQTT.ClientID,
			TopicPrefix: c.MQTT.TopicPrefix,
		}, svc, log.With("component", "mqtt"))
		if err != nil {
			// Keep controlling the fan even if the broker is unreachable.
			log.Warn("mqtt init failed", "broker", c.MQTT.Broker, "err", err)
		} else {
			r.pub = pub
			r.addObserver(pub)
		}
	}

	// Optional: HTTP status API.
	if c.HTTP.Listen != "" {
		wd := web.Deps{
			Status:  web.NewStatus(version, r.platform),
			Fan:     svc,
			Metrics: r.metrics.Handler(),
		}
		if deps.logs != nil {
			wd.Logs = deps.logs
			wd.AccessLog = deps.logs
		}
		if r.pub != nil {
			wd.MQTT = r.pub
		}
		h := web.Handler(wd)
		httpCtx, cancel := context.WithCancel(ctx)
		r.httpCancel = cancel
		r.httpDone = make(chan struct{})
		go func() {
			defer close(r.httpDone)
			if err := web.Serve(httpCtx, c.HTTP.Listen, h, log.With("component", "http")); err != nil && httpCtx.Err() == nil {
				log.Error("http server stopped", "addr", c.HTTP.Listen, "err", err)
			}
		}()
	}

	return r, nil
}

func (r *fanRuntime) addObserver(o fancontrol.Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *fanRuntime) observe(s fancontrol.Snapshot) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.Observe(s)
	}
}

func (r *fanRuntime) RunOnce(ctx context.Context) error {
	return r.svc.RunOnce(ctx)
}

func (r *fanRuntime) Start(ctx context.Context) error {
	return r.svc.Start(ctx)
}

func (r *fanRuntime) Service() *fancontrol.Service {
	return r.svc
}

// Close stops the control loop first so the final failsafe state is
// published before MQTT disconnects.
func (r *fanRuntime) Close() {
	r.closeOnce.Do(func() {
		if r.svc != nil {
			r.svc.Close()
		}
		if r.pub != nil {
			if err := r.pub.Close(); err != nil {
				r.log.Warn("mqtt close failed", "err", err)
			}
		}
		if r.httpCancel != nil {
			r.httpCancel()
			<-r.httpDone
		}
	})
}
