package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/fabric"
)

type published struct {
	exchange string
	key      string
	body     []byte
}

// fakeBroker records publications and can fail a configurable number of
// publish attempts.
type fakeBroker struct {
	mu         sync.Mutex
	published  []published
	failCount  int
	reconnects int
}

func (f *fakeBroker) Publish(_ context.Context, exchange, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCount > 0 {
		f.failCount--
		return fabric.ErrNotConnected
	}
	f.published = append(f.published, published{exchange, key, body})
	return nil
}

func (f *fakeBroker) Consume(context.Context, string, int) (<-chan fabric.Delivery, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type delivered struct {
	clientID string
	resp     *envelope.Response
}

type fakeDeliverer struct {
	mu    sync.Mutex
	got   []delivered
	wake  chan struct{}
	taken bool
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{wake: make(chan struct{}, 8), taken: true}
}

func (f *fakeDeliverer) Deliver(clientID string, resp *envelope.Response) bool {
	f.mu.Lock()
	f.got = append(f.got, delivered{clientID, resp})
	taken := f.taken
	f.mu.Unlock()
	f.wake <- struct{}{}
	return taken
}

func (f *fakeDeliverer) wait(t *testing.T) delivered {
	t.Helper()
	select {
	case <-f.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery observed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[len(f.got)-1]
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func testEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func inputSignal(class adapter.Class, protocol, clientID, simulator string) adapter.Signal {
	return adapter.Signal{
		Class:    class,
		Protocol: protocol,
		Request: &envelope.Request{Simulation: envelope.RequestBody{
			RequestID: "r1",
			ClientID:  clientID,
			Simulator: simulator,
			Type:      envelope.TypeBatch,
			File:      "add.m",
		}},
	}
}

func runCore(t *testing.T, c *Core) (context.CancelFunc, *sync.WaitGroup) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Run(ctx)
	}()
	return cancel, &wg
}

// Test that inputs are tagged with origin identity and forwarded with the
// <client_id>.<simulator> routing key
func TestForwardInput(t *testing.T) {
	broker := &fakeBroker{}
	signals := make(chan adapter.Signal, 1)
	c := New("bridge-001", broker, signals, testEntry())

	cancel, wg := runCore(t, c)
	defer func() { cancel(); wg.Wait() }()

	signals <- inputSignal(adapter.SignalInputHTTP, envelope.ProtocolHTTP, "c2", "sim1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(broker.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	pubs := broker.snapshot()
	if len(pubs) != 1 {
		t.Fatalf("published = %d, want 1", len(pubs))
	}
	if pubs[0].exchange != config.ExchangeBridgeOutput {
		t.Errorf("exchange = %q", pubs[0].exchange)
	}
	if pubs[0].key != "c2.sim1" {
		t.Errorf("routing key = %q", pubs[0].key)
	}

	req, err := envelope.Normalize(pubs[0].body)
	if err != nil {
		t.Fatalf("forwarded body unparsable: %v", err)
	}
	meta := req.Simulation.BridgeMeta
	if meta[envelope.MetaProtocol] != envelope.ProtocolHTTP {
		t.Errorf("protocol tag = %q", meta[envelope.MetaProtocol])
	}
	if meta[envelope.MetaClientID] != "c2" || meta[envelope.MetaSimulator] != "sim1" {
		t.Errorf("identity tags = %v", meta)
	}
}

// Test the reconnect-and-retry-once path on publish failure
func TestForwardRetriesOnce(t *testing.T) {
	broker := &fakeBroker{failCount: 1}
	signals := make(chan adapter.Signal, 1)
	c := New("bridge-001", broker, signals, testEntry())

	cancel, wg := runCore(t, c)
	defer func() { cancel(); wg.Wait() }()

	signals <- inputSignal(adapter.SignalInputInternal, envelope.ProtocolInternal, "dt", "sim1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(broker.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(broker.snapshot()); got != 1 {
		t.Fatalf("published = %d, want 1 after retry", got)
	}
	broker.mu.Lock()
	reconnects := broker.reconnects
	broker.mu.Unlock()
	if reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", reconnects)
	}
}

// Test that results are dispatched by origin protocol and that client
// streams stay isolated
func TestResultDispatch(t *testing.T) {
	broker := &fakeBroker{}
	signals := make(chan adapter.Signal, 4)
	c := New("bridge-001", broker, signals, testEntry())

	internal := newFakeDeliverer()
	web := newFakeDeliverer()
	c.RegisterOutbound(envelope.ProtocolInternal, internal)
	c.RegisterOutbound(envelope.ProtocolHTTP, web)

	cancel, wg := runCore(t, c)
	defer func() { cancel(); wg.Wait() }()

	signals <- adapter.Signal{
		Class: adapter.SignalResultInternal,
		Response: &envelope.Response{
			Status:    envelope.StatusCompleted,
			RequestID: "r2",
			BridgeMeta: map[string]string{
				envelope.MetaProtocol: envelope.ProtocolHTTP,
				envelope.MetaClientID: "c2",
			},
		},
		RoutingKey: "sim1.result.c2",
	}

	d := web.wait(t)
	if d.clientID != "c2" {
		t.Errorf("client = %q", d.clientID)
	}
	if d.resp.RequestID != "r2" {
		t.Errorf("request_id = %q", d.resp.RequestID)
	}
	if internal.count() != 0 {
		t.Error("result leaked to another protocol's adapter")
	}
}

// Test client recovery from the routing key when bridge_meta is sparse
func TestResultClientFromRoutingKey(t *testing.T) {
	broker := &fakeBroker{}
	signals := make(chan adapter.Signal, 1)
	c := New("bridge-001", broker, signals, testEntry())

	internal := newFakeDeliverer()
	c.RegisterOutbound(envelope.ProtocolInternal, internal)

	cancel, wg := runCore(t, c)
	defer func() { cancel(); wg.Wait() }()

	signals <- adapter.Signal{
		Class:      adapter.SignalResultInternal,
		Response:   &envelope.Response{Status: envelope.StatusCompleted, RequestID: "r3"},
		RoutingKey: "sim1.result.dt",
	}

	if d := internal.wait(t); d.clientID != "dt" {
		t.Errorf("client = %q, want dt", d.clientID)
	}
}
