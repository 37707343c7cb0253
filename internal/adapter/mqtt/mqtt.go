// Package mqttadapter listens on a pub-sub input topic and publishes result
// envelopes to the output topic at the configured quality of service.
// Reconnects are transport-provided: the paho client is configured to
// auto-reconnect, disconnects are only reported to the operator.
package mqttadapter

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/response"
)

const connectTimeout = 10 * time.Second

// ClientFactory builds the MQTT client; tests substitute a fake.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Adapter bridges a publish-subscribe broker into the normalized signal flow.
type Adapter struct {
	cfg       config.MQTT
	signals   chan<- adapter.Signal
	builder   *response.Builder
	log       *logrus.Entry
	newClient ClientFactory

	client pahomqtt.Client
	done   chan struct{}
}

// New creates the pub-sub adapter. factory may be nil, selecting the real
// paho client.
func New(cfg config.MQTT, signals chan<- adapter.Signal, builder *response.Builder, log *logrus.Entry, factory ClientFactory) *Adapter {
	if factory == nil {
		factory = pahomqtt.NewClient
	}
	return &Adapter{
		cfg:       cfg,
		signals:   signals,
		builder:   builder,
		log:       log,
		newClient: factory,
		done:      make(chan struct{}),
	}
}

// Start connects, subscribes to the input topic, and blocks until shutdown.
func (a *Adapter) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", a.cfg.Host, a.cfg.Port)).
		SetKeepAlive(time.Duration(a.cfg.Keepalive) * time.Second).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			a.log.WithError(err).Warn("pub-sub broker connection lost")
		})

	a.client = a.newClient(opts)
	if token := a.client.Connect(); !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return fmt.Errorf("failed to connect to pub-sub broker: %w", tokenErr(token))
	}

	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		a.handleMessage(ctx, msg.Payload())
	}
	if token := a.client.Subscribe(a.cfg.InputTopic, a.cfg.QoS, handler); !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.cfg.InputTopic, tokenErr(token))
	}
	a.log.WithField("topic", a.cfg.InputTopic).Info("pub-sub adapter listening")

	select {
	case <-ctx.Done():
	case <-a.done:
	}
	a.client.Disconnect(250)
	return nil
}

// Stop disconnects from the pub-sub broker.
func (a *Adapter) Stop() error {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	return nil
}

// handleMessage normalizes an inbound payload and emits an input signal. A
// payload that does not parse is answered with a synthetic error envelope on
// the output topic, never dropped silently.
func (a *Adapter) handleMessage(ctx context.Context, payload []byte) {
	req, err := envelope.Normalize(payload)
	if err != nil {
		a.log.WithError(err).Warn("rejecting unparsable pub-sub message")
		kind := response.KindYAMLParse
		if parseErr, ok := err.(*envelope.ParseError); ok {
			kind = parseErr.Kind
		}
		a.publish(a.builder.Error(nil, kind, err))
		return
	}

	select {
	case a.signals <- adapter.Signal{
		Class:    adapter.SignalInputPubSub,
		Protocol: envelope.ProtocolPubSub,
		Request:  req,
	}:
	case <-ctx.Done():
	}
}

// Deliver publishes a result envelope to the output topic.
func (a *Adapter) Deliver(clientID string, resp *envelope.Response) bool {
	return a.publish(resp)
}

func (a *Adapter) publish(resp *envelope.Response) bool {
	if a.client == nil || !a.client.IsConnected() {
		return false
	}
	body, err := resp.EncodeYAML()
	if err != nil {
		a.log.WithError(err).Error("failed to encode pub-sub response")
		return false
	}
	token := a.client.Publish(a.cfg.OutputTopic, a.cfg.QoS, false, body)
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		a.log.WithError(tokenErr(token)).Error("failed to publish pub-sub response")
		return false
	}
	return true
}

func tokenErr(token pahomqtt.Token) error {
	if err := token.Error(); err != nil {
		return err
	}
	return fmt.Errorf("timed out")
}
