// Package agent consumes simulation requests from the routing fabric,
// dispatches them to the batch or streaming executor and publishes every
// produced response back on the result exchange.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/fabric"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/response"
)

// Executor runs one simulation request, emitting every response it produces.
type Executor interface {
	Execute(ctx context.Context, req *envelope.Request, emit Emitter)
}

// Handler is the agent's message loop for one simulator identity.
type Handler struct {
	agentID   string
	broker    fabric.Broker
	batch     Executor
	streaming Executor
	builder   *response.Builder
	log       *logrus.Entry

	// execTimeout bounds a single batch execution; zero means no deadline.
	execTimeout time.Duration

	wg sync.WaitGroup
}

func NewHandler(agentID string, broker fabric.Broker, batch, streaming Executor, builder *response.Builder, log *logrus.Entry) *Handler {
	return &Handler{
		agentID:   agentID,
		broker:    broker,
		batch:     batch,
		streaming: streaming,
		builder:   builder,
		log:       log,
	}
}

// Run consumes the agent's queue until ctx is cancelled. Batch requests run
// inline so the prefetch window of one serializes them; streaming requests
// are acknowledged up front and run concurrently.
func (h *Handler) Run(ctx context.Context) error {
	deliveries, err := h.broker.Consume(ctx, config.SimQueue(h.agentID), 1)
	if err != nil {
		return fmt.Errorf("failed to consume agent queue: %w", err)
	}
	h.log.WithField("queue", config.SimQueue(h.agentID)).Info("Agent consuming simulation requests")

	for {
		select {
		case <-ctx.Done():
			h.wg.Wait()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				h.wg.Wait()
				return nil
			}
			h.handle(ctx, d)
		}
	}
}

func (h *Handler) handle(ctx context.Context, d fabric.Delivery) {
	req, err := envelope.Normalize(d.Body)
	if err != nil {
		h.log.WithError(err).WithField("routing_key", d.RoutingKey).
			Warn("Rejecting malformed simulation request")
		kind := response.KindValidation
		var parseErr *envelope.ParseError
		if errors.As(err, &parseErr) {
			kind = parseErr.Kind
		}
		h.publish(ctx, clientFromKey(d.RoutingKey, req), h.builder.Error(req, kind, err))
		_ = d.Nack(false)
		return
	}

	body := &req.Simulation
	clientID := body.ClientID
	emit := func(resp *envelope.Response) { h.publish(ctx, clientID, resp) }

	switch body.Type {
	case envelope.TypeStreaming:
		_ = d.Ack()
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.streaming.Execute(ctx, req, emit)
		}()
	default:
		execCtx := ctx
		if h.execTimeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, h.execTimeout)
			defer cancel()
		}
		h.batch.Execute(execCtx, req, emit)
		_ = d.Ack()
	}
}

// publish sends one response on the result exchange with the routing key
// <agent>.result.<client>.
func (h *Handler) publish(ctx context.Context, clientID string, resp *envelope.Response) {
	body, err := resp.EncodeYAML()
	if err != nil {
		h.log.WithError(err).Error("Failed to encode response envelope")
		return
	}
	key := h.agentID + ".result." + clientID
	if err := h.broker.Publish(ctx, config.ExchangeBridgeResult, key, body); err != nil {
		h.log.WithError(err).WithField("routing_key", key).
			Error("Failed to publish simulation response")
	}
}

// clientFromKey recovers a client identity for error reporting when the
// request itself is unusable. Keys on the agent queue are <client>.<agent>.
func clientFromKey(key string, req *envelope.Request) string {
	if req != nil && req.Simulation.ClientID != "" {
		return req.Simulation.ClientID
	}
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i]
		}
	}
	if key != "" {
		return key
	}
	return "unknown"
}
