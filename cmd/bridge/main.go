// Package main runs the simulation bridge: the protocol-agnostic router that
// accepts simulation requests from internal-broker, MQTT, and HTTP clients
// and forwards them to simulator agents over the routing fabric.
//
// Architecture Overview:
// - Routing Fabric: AMQP topology (exchanges, queues, bindings) declared at startup
// - Inbound Adapters: internal broker, MQTT pub/sub, HTTP NDJSON streaming
// - Bridge Core: tags requests with origin identity and routes requests/results
//
// Called by: external processes (CLI, containers, service managers)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter"
	amqpadapter "github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter/amqp"
	mqttadapter "github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter/mqtt"
	restadapter "github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter/rest"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/bridge"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/fabric"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/logging"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/response"
)

const defaultConfigPath = "config/bridge.yaml"

// signalBuffer sizes the adapter→core hand-off channel. Inputs are consumed
// with prefetch 1, so a small buffer only smooths protocol bursts.
const signalBuffer = 64

func main() {
	configPath := defaultConfigPath
	if len(os.Args) >= 2 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadBridge(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component(logger, "bridge")
	log.WithField("config", configPath).Info("Starting simulation bridge")

	broker, err := fabric.Dial(cfg.RabbitMQ, logging.Component(logger, "fabric"))
	if err != nil {
		log.WithError(err).Error("Failed to connect to routing fabric")
		os.Exit(1)
	}
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan adapter.Signal, signalBuffer)
	builder := response.NewBuilder(config.ResponseTemplates{})

	internal := amqpadapter.New(broker, signals, builder, logging.Component(logger, "adapter.internal"))
	pubsub := mqttadapter.New(cfg.MQTT, signals, builder, logging.Component(logger, "adapter.mqtt"), nil)
	rest := restadapter.New(cfg.REST, signals, logging.Component(logger, "adapter.rest"))

	core := bridge.New(cfg.SimulationBridge.BridgeID, broker, signals, logging.Component(logger, "core"))
	core.RegisterOutbound(envelope.ProtocolInternal, internal)
	core.RegisterOutbound(envelope.ProtocolPubSub, pubsub)
	core.RegisterOutbound(envelope.ProtocolHTTP, rest)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && err != context.Canceled {
				log.WithError(err).WithField("unit", name).Error("Unit stopped with error")
				cancel()
			}
		}()
	}

	run("core", core.Run)
	run("adapter.internal", internal.Start)
	run("adapter.mqtt", pubsub.Start)
	run("adapter.rest", rest.Start)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	log.Info("Simulation bridge stopped")
}
