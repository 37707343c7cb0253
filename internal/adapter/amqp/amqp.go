// Package amqpadapter consumes the bridge's input and result queues on the
// internal broker and emits normalized signals toward the bridge core. It is
// also the outbound leg for internal-protocol clients: Deliver republishes a
// result on the result exchange where client queues are bound.
package amqpadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/fabric"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/response"
)

// Adapter consumes Q.bridge.input and Q.bridge.result with prefetch 1 per
// queue; message handling is serialized per consumer channel.
type Adapter struct {
	broker      fabric.Broker
	inputQueue  string
	resultQueue string
	signals     chan<- adapter.Signal
	builder     *response.Builder
	log         *logrus.Entry

	stop context.CancelFunc
}

// New wires the adapter to the fabric and the core's signal channel.
func New(broker fabric.Broker, signals chan<- adapter.Signal, builder *response.Builder, log *logrus.Entry) *Adapter {
	return &Adapter{
		broker:      broker,
		inputQueue:  config.QueueBridgeInput,
		resultQueue: config.QueueBridgeResult,
		signals:     signals,
		builder:     builder,
		log:         log,
	}
}

// Start consumes both queues until the context is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.stop = cancel

	inputs, err := a.broker.Consume(ctx, a.inputQueue, 1)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to consume %s: %w", a.inputQueue, err)
	}
	results, err := a.broker.Consume(ctx, a.resultQueue, 1)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to consume %s: %w", a.resultQueue, err)
	}

	for inputs != nil || results != nil {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-inputs:
			if !ok {
				inputs = nil
				continue
			}
			a.handle(ctx, d)
		case d, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			a.handle(ctx, d)
		}
	}
	return nil
}

// Stop cancels consumption; the broker connection stays open for Deliver.
func (a *Adapter) Stop() error {
	if a.stop != nil {
		a.stop()
	}
	return nil
}

// handle classifies one delivery by its source queue and emits the matching
// normalized signal. ACK happens on successful hand-off; parse failures are
// NACKed without requeue and surfaced as an error result so the core routes
// the failure back to the client.
func (a *Adapter) handle(ctx context.Context, d fabric.Delivery) {
	switch d.Queue {
	case a.inputQueue:
		req, err := envelope.Normalize(d.Body)
		if err != nil {
			a.log.WithError(err).WithField("routing_key", d.RoutingKey).Warn("dropping unparsable input message")
			a.surfaceParseError(ctx, d, err)
			_ = d.Nack(false)
			return
		}
		if a.emit(ctx, adapter.Signal{
			Class:      adapter.SignalInputInternal,
			Protocol:   envelope.ProtocolInternal,
			Request:    req,
			RoutingKey: d.RoutingKey,
		}) {
			_ = d.Ack()
		}
	case a.resultQueue:
		resp, err := envelope.DecodeResponse(d.Body)
		if err != nil {
			// Simulator output that is not a structured envelope is still
			// forwarded to the client as raw text.
			a.log.WithError(err).Warn("result message is not a structured envelope, forwarding raw")
			resp = &envelope.Response{
				Status: envelope.StatusCompleted,
				Extra:  map[string]interface{}{"raw": string(d.Body)},
			}
		}
		if a.emit(ctx, adapter.Signal{
			Class:      adapter.SignalResultInternal,
			Protocol:   envelope.ProtocolInternal,
			Response:   resp,
			RoutingKey: d.RoutingKey,
		}) {
			_ = d.Ack()
		}
	default:
		a.log.WithField("queue", d.Queue).Debug("message from unrecognized queue")
		if a.emit(ctx, adapter.Signal{Class: adapter.SignalOtherInternal, RoutingKey: d.RoutingKey}) {
			_ = d.Ack()
		}
	}
}

func (a *Adapter) emit(ctx context.Context, sig adapter.Signal) bool {
	select {
	case a.signals <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}

// surfaceParseError converts a rejected input into a synthetic error result
// addressed to the originating client (the leading routing-key segment).
func (a *Adapter) surfaceParseError(ctx context.Context, d fabric.Delivery, err error) {
	kind := response.KindYAMLParse
	var parseErr *envelope.ParseError
	if errors.As(err, &parseErr) {
		kind = parseErr.Kind
	}

	resp := a.builder.Error(nil, kind, err)
	clientID := strings.SplitN(d.RoutingKey, ".", 2)[0]
	resp.BridgeMeta = map[string]string{
		envelope.MetaProtocol: envelope.ProtocolInternal,
		envelope.MetaClientID: clientID,
	}
	a.emit(ctx, adapter.Signal{
		Class:      adapter.SignalResultInternal,
		Protocol:   envelope.ProtocolInternal,
		Response:   resp,
		RoutingKey: d.RoutingKey,
	})
}

// Deliver republishes a result on the result exchange with the two-segment
// <simulator>.result key client queues bind to. The key deliberately does
// not match the bridge's own *.result.* binding.
func (a *Adapter) Deliver(clientID string, resp *envelope.Response) bool {
	body, err := resp.EncodeYAML()
	if err != nil {
		a.log.WithError(err).Error("failed to encode result envelope")
		return false
	}
	simulator := resp.BridgeMeta[envelope.MetaSimulator]
	if simulator == "" {
		simulator = "unknown"
	}
	key := simulator + ".result"
	if err := a.broker.Publish(context.Background(), config.ExchangeBridgeResult, key, body); err != nil {
		a.log.WithError(err).WithField("routing_key", key).Error("failed to republish result")
		return false
	}
	return true
}
