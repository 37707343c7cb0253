// Package bridge implements the core message flow between inbound protocol
// adapters and the simulator side of the routing fabric.
//
// The core's main loop selects over one typed signal channel fed by all
// inbound adapters plus the shutdown signal. Input signals are tagged with
// their origin protocol and forwarded to the simulator exchange; result
// signals are dispatched to the outbound adapter matching the origin tag.
// Every result is stateless from the core's viewpoint; the HTTP path defers
// accumulation to its adapter.
package bridge

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/fabric"
)

// Deliverer is the outbound leg of a protocol adapter.
type Deliverer interface {
	Deliver(clientID string, resp *envelope.Response) bool
}

// Core routes normalized signals. It owns its own broker connection,
// distinct from the one the internal adapter consumes on.
type Core struct {
	bridgeID string
	broker   fabric.Broker
	signals  <-chan adapter.Signal
	outbound map[string]Deliverer
	log      *logrus.Entry
}

// New creates the core; outbound adapters are registered before Run.
func New(bridgeID string, broker fabric.Broker, signals <-chan adapter.Signal, log *logrus.Entry) *Core {
	return &Core{
		bridgeID: bridgeID,
		broker:   broker,
		signals:  signals,
		outbound: make(map[string]Deliverer),
		log:      log,
	}
}

// RegisterOutbound binds a protocol tag to the adapter that can deliver
// results for it.
func (c *Core) RegisterOutbound(protocol string, d Deliverer) {
	c.outbound[protocol] = d
}

// Run processes signals until the context is cancelled.
func (c *Core) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-c.signals:
			if !ok {
				return nil
			}
			switch sig.Class {
			case adapter.SignalInputInternal, adapter.SignalInputPubSub, adapter.SignalInputHTTP:
				c.handleInput(ctx, sig)
			case adapter.SignalResultInternal:
				c.handleResult(sig)
			case adapter.SignalOtherInternal:
				c.log.WithField("routing_key", sig.RoutingKey).Debug("ignoring uncategorized internal message")
			}
		}
	}
}

// handleInput tags the request with its routing identity and forwards it to
// the simulator exchange with the <client_id>.<simulator> key. On a publish
// failure the core reconnects and retries once; a second failure is logged
// and the message dropped — the client's own transport will time out.
func (c *Core) handleInput(ctx context.Context, sig adapter.Signal) {
	req := sig.Request
	body := req.Simulation

	req.SetProtocol(sig.Protocol)
	req.Simulation.BridgeMeta[envelope.MetaClientID] = body.ClientID
	req.Simulation.BridgeMeta[envelope.MetaSimulator] = body.Simulator

	encoded, err := envelope.EncodeRequest(req)
	if err != nil {
		c.log.WithError(err).Error("failed to encode request for forwarding")
		return
	}

	routingKey := body.ClientID + "." + body.Simulator
	logger := c.log.WithFields(logrus.Fields{
		"request_id":  body.RequestID,
		"routing_key": routingKey,
		"protocol":    sig.Protocol,
	})

	if err := c.broker.Publish(ctx, config.ExchangeBridgeOutput, routingKey, encoded); err != nil {
		logger.WithError(err).Warn("forward failed, reconnecting")
		if rerr := c.broker.Reconnect(ctx); rerr != nil {
			logger.WithError(rerr).Error("dropping request: broker unavailable")
			return
		}
		if err := c.broker.Publish(ctx, config.ExchangeBridgeOutput, routingKey, encoded); err != nil {
			logger.WithError(err).Error("dropping request: forward failed twice")
			return
		}
	}
	logger.Debug("request forwarded to simulator")
}

// handleResult consults the origin tag and hands the envelope to the
// outbound adapter of the protocol the request arrived on.
func (c *Core) handleResult(sig adapter.Signal) {
	resp := sig.Response
	protocol := resp.Protocol()
	if protocol == "" {
		protocol = envelope.ProtocolInternal
	}

	clientID := resp.ClientID()
	if clientID == "" {
		// Simulator results carry <simulator>.result.<client> keys.
		if parts := strings.Split(sig.RoutingKey, "."); len(parts) == 3 {
			clientID = parts[2]
		}
	}

	logger := c.log.WithFields(logrus.Fields{
		"request_id": resp.RequestID,
		"protocol":   protocol,
		"client_id":  clientID,
		"status":     resp.Status,
	})

	out, ok := c.outbound[protocol]
	if !ok {
		logger.Error("no outbound adapter for origin protocol")
		return
	}
	if !out.Deliver(clientID, resp) {
		logger.Debug("result dropped: no listener on origin protocol")
		return
	}
	logger.Debug("result delivered")
}
