package mqtt

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

// completedToken returns a token that has already finished with err.
func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeClient struct {
	paho.Client

	mu          sync.Mutex
	opts        *paho.ClientOptions
	connect     paho.Token
	disconnects []uint
	published   []string
}

func (c *fakeClient) Connect() paho.Token { return c.connect }

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, quiesce)
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, topic+"="+payload.(string))
	return completedToken(nil)
}

func (c *fakeClient) IsConnected() bool { return true }

func useFakeClient(t *testing.T, fc *fakeClient) {
	t.Helper()
	oldNew, oldTimeout := newClient, connectTimeout
	newClient = func(o *paho.ClientOptions) paho.Client {
		fc.opts = o
		return fc
	}
	connectTimeout = 20 * time.Millisecond
	t.Cleanup(func() { newClient, connectTimeout = oldNew, oldTimeout })
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewRealPublisher_DisconnectsOnTimeout(t *testing.T) {
	fc := &fakeClient{connect: &fakeToken{done: make(chan struct{})}}
	useFakeClient(t, fc)

	p, err := NewRealPublisher(Options{Broker: "tcp://127.0.0.1:1", ClientID: "sbcfan", TopicPrefix: "sbcfan"}, nil, discardLogger())
	if err == nil || err.Error() != "connection timeout" {
		t.Fatalf("err=%v want connection timeout", err)
	}
	if p != nil {
		t.Fatalf("publisher should be nil on failure")
	}
	if len(fc.disconnects) != 1 || fc.disconnects[0] != 0 {
		t.Fatalf("disconnects=%v want [0]", fc.disconnects)
	}
}

func TestNewRealPublisher_DisconnectsOnConnectError(t *testing.T) {
	fc := &fakeClient{connect: completedToken(errors.New("not authorized"))}
	useFakeClient(t, fc)

	_, err := NewRealPublisher(Options{Broker: "tcp://broker:1883", ClientID: "sbcfan", TopicPrefix: "sbcfan"}, nil, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "connect to broker: not authorized") {
		t.Fatalf("err=%v", err)
	}
	if len(fc.disconnects) != 1 {
		t.Fatalf("disconnects=%v want one", fc.disconnects)
	}
}

func TestNewRealPublisher_ConnectAndClose(t *testing.T) {
	fc := &fakeClient{connect: completedToken(nil)}
	useFakeClient(t, fc)

	p, err := NewRealPublisher(Options{Broker: "tcp://broker:1883", ClientID: "sbcfan", TopicPrefix: "fans/pi"}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewRealPublisher: %v", err)
	}
	if len(fc.disconnects) != 0 {
		t.Fatalf("unexpected disconnect after successful connect")
	}
	if fc.opts.WillTopic != "fans/pi/availability" || string(fc.opts.WillPayload) != PayloadOffline {
		t.Fatalf("will=%q/%q", fc.opts.WillTopic, fc.opts.WillPayload)
	}
	if !p.IsConnected() {
		t.Fatalf("expected connected")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(fc.published) != 1 || fc.published[0] != "fans/pi/availability=offline" {
		t.Fatalf("published=%v", fc.published)
	}
	if len(fc.disconnects) != 1 {
		t.Fatalf("disconnects=%v want one", fc.disconnects)
	}
}
