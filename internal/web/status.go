package web

import (
	"sync/atomic"
	"time"

	"sbcfan/internal/curve"
	"sbcfan/internal/fancontrol"
	"sbcfan/internal/mqtt"
)

// FanController is the part of fancontrol.Service the web UI needs.
// Implementations must be safe to call concurrently.
type FanController interface {
	Snapshot() fancontrol.Snapshot
	Curve() *curve.Curve
	SetOverride(percent *uint8) error
}

type Status struct {
	startUnixNano int64
	version       atomic.Value // string
	platform      atomic.Value // fancontrol.Platform
}

func NewStatus(version string, platform fancontrol.Platform) *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.version.Store(version)
	s.platform.Store(platform)
	return s
}

type StatusSnapshot struct {
	Service   string              `json:"service"`
	Version   string              `json:"version"`
	NowUTC    string              `json:"now_utc"`
	UptimeSec int64               `json:"uptime_sec"`
	Platform  fancontrol.Platform `json:"platform"`
	Fan       fancontrol.Snapshot `json:"fan"`
	MQTT      *MQTTStatus         `json:"mqtt,omitempty"`
}

type MQTTStatus struct {
	Connected bool `json:"connected"`
}

// Snapshot collects the current state. broker may be nil when MQTT is disabled.
func (s *Status) Snapshot(nowUTC time.Time, fan FanController, broker mqtt.ConnectionStatus) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "sbcfan",
		Version:   s.version.Load().(string),
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Platform:  s.platform.Load().(fancontrol.Platform),
	}
	if fan != nil {
		snap.Fan = fan.Snapshot()
	}
	if broker != nil {
		snap.MQTT = &MQTTStatus{Connected: broker.IsConnected()}
	}
	return snap
}

// CurvePoint is one sampled point of the active curve.
type CurvePoint struct {
	TempC   uint8 `json:"temp_c"`
	Percent uint8 `json:"percent"`
}

type CurveResponse struct {
	Breakpoints []curve.Breakpoint `json:"breakpoints"`
	Override    *uint8             `json:"override,omitempty"`
	Points      []CurvePoint       `json:"points"`
}

// curvePadC is how far the sampled points extend past the outer breakpoints.
const curvePadC = 10

func describeCurve(c *curve.Curve) CurveResponse {
	bps := c.Breakpoints()
	resp := CurveResponse{Breakpoints: bps}
	if p, ok := c.Override(); ok {
		resp.Override = &p
	}

	lo, hi := int(bps[0].TempC), int(bps[0].TempC)
	for _, bp := range bps {
		lo = min(lo, int(bp.TempC))
		hi = max(hi, int(bp.TempC))
	}
	lo = max(lo-curvePadC, 0)
	hi = min(hi+curvePadC, 255)
	for t := lo; t <= hi; t++ {
		resp.Points = append(resp.Points, CurvePoint{TempC: uint8(t), Percent: c.Percent(uint8(t))})
	}
	return resp
}
