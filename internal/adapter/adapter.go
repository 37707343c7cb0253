// Package adapter defines the contract every inbound protocol adapter
// implements and the normalized signals adapters emit toward the bridge
// core. Adapters translate their transport into Signal values; the core
// never sees transport details.
package adapter

import (
	"context"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
)

// Class identifies the normalized signal an adapter emits.
type Class string

const (
	// SignalInputInternal is a client request consumed from the internal broker.
	SignalInputInternal Class = "input_internal"
	// SignalInputPubSub is a client request received on the pub-sub topic.
	SignalInputPubSub Class = "input_pubsub"
	// SignalInputHTTP is a client request received on the HTTP endpoint.
	SignalInputHTTP Class = "input_http"
	// SignalResultInternal is a simulator result consumed from the internal broker.
	SignalResultInternal Class = "result_internal"
	// SignalOtherInternal is an internal-broker message from an unrecognized queue.
	SignalOtherInternal Class = "other_internal"
)

// Signal is one normalized message crossing from an adapter to the core.
// Input signals carry a Request; result signals carry a Response.
type Signal struct {
	Class    Class
	Protocol string

	Request  *envelope.Request
	Response *envelope.Response

	// RoutingKey is the key the message arrived with, when the transport
	// has one.
	RoutingKey string
}

// Adapter is the common surface of every inbound protocol listener.
type Adapter interface {
	// Start blocks serving the adapter's transport until ctx is cancelled
	// or Stop is called. It runs in its own goroutine.
	Start(ctx context.Context) error
	// Stop shuts the adapter down gracefully, draining in-flight messages
	// where the transport allows.
	Stop() error
	// Deliver sends a result back on the adapter's protocol. The return
	// value reports whether a listener was still present.
	Deliver(clientID string, resp *envelope.Response) bool
}
