// Package mqtt publishes fan state to an MQTT broker and accepts manual
// override commands, with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sbcfan/internal/curve"
	"sbcfan/internal/fancontrol"
)

// Topic suffixes appended to the configured prefix.
const (
	TopicState        = "state"
	TopicAvailability = "availability"
	TopicOverrideSet  = "override/set"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Publisher publishes controller state.
type Publisher interface {
	// PublishState sends one state message. Errors must not stop the control loop.
	PublishState(snap fancontrol.Snapshot) error

	// Close marks the controller offline and disconnects.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Overrider applies manual override commands; nil clears the override.
type Overrider interface {
	SetOverride(percent *uint8) error
}

// StatePayload is the JSON body of a state message.
type StatePayload struct {
	Timestamp   string  `json:"timestamp"`
	TempC       *uint8  `json:"temp_c"`
	Duty        float64 `json:"duty"`
	DutyPercent int     `json:"duty_percent"`
	FrequencyHz float64 `json:"frequency_hz"`
	Mode        string  `json:"mode"`
	Override    *uint8  `json:"override,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// FormatState creates the JSON payload for a snapshot.
func FormatState(snap fancontrol.Snapshot) ([]byte, error) {
	ts := snap.LastUpdateAt
	if ts.IsZero() {
		ts = time.Now()
	}
	p := StatePayload{
		Timestamp:   ts.UTC().Format(time.RFC3339),
		Duty:        snap.Duty,
		DutyPercent: snap.DutyPercent,
		FrequencyHz: snap.FrequencyHz,
		Mode:        "auto",
		Error:       snap.LastError,
	}
	if snap.CPUValid {
		t := snap.CPUTempC
		p.TempC = &t
	}
	if snap.ManualOverride {
		o := snap.OverridePercent
		p.Mode = "manual"
		p.Override = &o
	}
	return json.Marshal(p)
}

// ParseOverride parses an override command: "auto" (or empty) clears the
// override, an integer 0-100 sets it. A JSON object {"percent": N} is also
// accepted, with a null percent meaning auto.
func ParseOverride(payload []byte) (*uint8, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" || strings.EqualFold(s, "auto") {
		return nil, nil
	}
	if strings.HasPrefix(s, "{") {
		var body struct {
			Percent *int `json:"percent"`
		}
		if err := json.Unmarshal([]byte(s), &body); err != nil {
			return nil, fmt.Errorf("override: %w", err)
		}
		if body.Percent == nil {
			return nil, nil
		}
		return checkOverride(*body.Percent)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("override: %q isn't a percentage or \"auto\"", s)
	}
	return checkOverride(n)
}

func checkOverride(n int) (*uint8, error) {
	if n < 0 || n > curve.MaxPercent {
		return nil, fmt.Errorf("override: %d not in percentage range 0-100", n)
	}
	v := uint8(n)
	return &v, nil
}

// Topic joins the prefix and a suffix.
func Topic(prefix, suffix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

func handleOverride(ov Overrider, payload []byte) error {
	p, err := ParseOverride(payload)
	if err != nil {
		return err
	}
	return ov.SetOverride(p)
}
