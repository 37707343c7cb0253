package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/fabric"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/response"
)

type published struct {
	exchange string
	key      string
	body     []byte
}

// fakeBroker feeds the agent queue and records result publications.
type fakeBroker struct {
	mu         sync.Mutex
	deliveries chan fabric.Delivery
	published  []published
	pubWake    chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		deliveries: make(chan fabric.Delivery, 8),
		pubWake:    make(chan struct{}, 16),
	}
}

func (f *fakeBroker) Publish(_ context.Context, exchange, key string, body []byte) error {
	f.mu.Lock()
	f.published = append(f.published, published{exchange, key, body})
	f.mu.Unlock()
	f.pubWake <- struct{}{}
	return nil
}

func (f *fakeBroker) Consume(context.Context, string, int) (<-chan fabric.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeBroker) Reconnect(context.Context) error { return nil }
func (f *fakeBroker) Close() error                    { return nil }

func (f *fakeBroker) awaitPublished(t *testing.T) published {
	t.Helper()
	select {
	case <-f.pubWake:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

// scriptedExecutor emits canned responses and records the requests it saw.
type scriptedExecutor struct {
	mu       sync.Mutex
	requests []*envelope.Request
	respond  func(req *envelope.Request, emit Emitter)
}

func (e *scriptedExecutor) Execute(_ context.Context, req *envelope.Request, emit Emitter) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	respond := e.respond
	e.mu.Unlock()
	if respond != nil {
		respond(req, emit)
	}
}

func (e *scriptedExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func startHandler(t *testing.T, broker *fakeBroker, batch, streaming Executor) context.CancelFunc {
	t.Helper()
	h := NewHandler("sim1", broker, batch, streaming,
		response.NewBuilder(config.ResponseTemplates{}), testEntry())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	return cancel
}

func requestBody(t *testing.T, simType string) []byte {
	t.Helper()
	req := &envelope.Request{Simulation: envelope.RequestBody{
		RequestID: "r1",
		ClientID:  "dt",
		Simulator: "sim1",
		Type:      simType,
		File:      "add.m",
		Inputs:    map[string]interface{}{"a": 2, "b": 3},
		Outputs:   []interface{}{"sum"},
	}}
	body, err := envelope.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return body
}

// Test that a batch request runs synchronously, is acked, and its responses
// are published with the <agent>.result.<client> key
func TestHandlerBatchRequest(t *testing.T) {
	broker := newFakeBroker()
	builder := response.NewBuilder(config.ResponseTemplates{})
	batch := &scriptedExecutor{respond: func(req *envelope.Request, emit Emitter) {
		emit(builder.Success(req, map[string]interface{}{"sum": 5.0}, nil))
	}}
	streaming := &scriptedExecutor{}

	cancel := startHandler(t, broker, batch, streaming)
	defer cancel()

	acked := make(chan struct{}, 1)
	broker.deliveries <- fabric.NewDelivery(
		config.SimQueue("sim1"), "dt.sim1", "m1", requestBody(t, envelope.TypeBatch),
		func() error { acked <- struct{}{}; return nil }, nil,
	)

	pub := broker.awaitPublished(t)
	if pub.exchange != config.ExchangeBridgeResult {
		t.Errorf("exchange = %q", pub.exchange)
	}
	if pub.key != "sim1.result.dt" {
		t.Errorf("routing key = %q", pub.key)
	}
	resp, err := envelope.DecodeResponse(pub.body)
	if err != nil {
		t.Fatalf("published body unparsable: %v", err)
	}
	if resp.Status != envelope.StatusCompleted || resp.RequestID != "r1" {
		t.Errorf("resp = %+v", resp)
	}

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Error("batch delivery not acked")
	}
	if streaming.count() != 0 {
		t.Error("batch request reached the streaming executor")
	}
}

// Test that streaming requests are acked up front and run concurrently
func TestHandlerStreamingRequest(t *testing.T) {
	broker := newFakeBroker()
	release := make(chan struct{})
	builder := response.NewBuilder(config.ResponseTemplates{})
	streaming := &scriptedExecutor{respond: func(req *envelope.Request, emit Emitter) {
		<-release
		emit(builder.Success(req, nil, nil))
	}}

	cancel := startHandler(t, broker, &scriptedExecutor{}, streaming)
	defer cancel()

	acked := make(chan struct{}, 1)
	broker.deliveries <- fabric.NewDelivery(
		config.SimQueue("sim1"), "dt.sim1", "m2", requestBody(t, envelope.TypeStreaming),
		func() error { acked <- struct{}{}; return nil }, nil,
	)

	// The ack must not wait for the execution to finish.
	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("streaming delivery not acked before completion")
	}
	close(release)

	pub := broker.awaitPublished(t)
	if pub.key != "sim1.result.dt" {
		t.Errorf("routing key = %q", pub.key)
	}
}

// Test that a request with an unknown type is rejected with a
// validation_error and nothing reaches an executor
func TestHandlerValidationRejection(t *testing.T) {
	broker := newFakeBroker()
	batch := &scriptedExecutor{}
	streaming := &scriptedExecutor{}

	cancel := startHandler(t, broker, batch, streaming)
	defer cancel()

	nacked := make(chan bool, 1)
	broker.deliveries <- fabric.NewDelivery(
		config.SimQueue("sim1"), "dt.sim1", "m3", requestBody(t, "interactive"),
		nil, func(requeue bool) error { nacked <- requeue; return nil },
	)

	pub := broker.awaitPublished(t)
	resp, err := envelope.DecodeResponse(pub.body)
	if err != nil {
		t.Fatalf("published body unparsable: %v", err)
	}
	if resp.Status != envelope.StatusError || resp.Error.Type != response.KindValidation {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Error.Code != 400 {
		t.Errorf("code = %d", resp.Error.Code)
	}
	if pub.key != "sim1.result.dt" {
		t.Errorf("routing key = %q", pub.key)
	}

	select {
	case requeue := <-nacked:
		if requeue {
			t.Error("invalid request requeued")
		}
	case <-time.After(2 * time.Second):
		t.Error("invalid request not nacked")
	}
	if batch.count() != 0 || streaming.count() != 0 {
		t.Error("invalid request reached an executor")
	}
}

// Test that unparsable payloads also surface as validation failures keyed by
// the routing key's client segment
func TestHandlerUnparsablePayload(t *testing.T) {
	broker := newFakeBroker()
	cancel := startHandler(t, broker, &scriptedExecutor{}, &scriptedExecutor{})
	defer cancel()

	broker.deliveries <- fabric.NewDelivery(
		config.SimQueue("sim1"), "dt.sim1", "m4", []byte("{ not: yaml"), nil, nil,
	)

	pub := broker.awaitPublished(t)
	if pub.key != "sim1.result.dt" {
		t.Errorf("routing key = %q", pub.key)
	}
	resp, err := envelope.DecodeResponse(pub.body)
	if err != nil {
		t.Fatalf("published body unparsable: %v", err)
	}
	if resp.Status != envelope.StatusError {
		t.Errorf("status = %q", resp.Status)
	}
}
