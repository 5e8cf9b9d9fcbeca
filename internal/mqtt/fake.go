package mqtt

import (
	"sync"

	"sbcfan/internal/fancontrol"
)

// FakePublisher records published states for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// States contains every snapshot that was published.
	States []fancontrol.Snapshot

	// Payloads contains the JSON payloads that were published.
	Payloads [][]byte

	// PublishError, if set, will be returned by PublishState.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Connected: true}
}

// PublishState records the snapshot.
func (f *FakePublisher) PublishState(snap fancontrol.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatState(snap)
	if err != nil {
		return err
	}
	f.States = append(f.States, snap)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// Observe implements fancontrol.Observer.
func (f *FakePublisher) Observe(snap fancontrol.Snapshot) {
	_ = f.PublishState(snap)
}

// Deliver simulates a message arriving on the override topic.
func (f *FakePublisher) Deliver(ov Overrider, payload []byte) error {
	return handleOverride(ov, payload)
}

// IsConnected returns the configured connection state.
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Count returns the number of published states.
func (f *FakePublisher) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.States)
}
