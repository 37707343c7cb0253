// Package main runs a simulator agent: it consumes simulation requests for
// one simulator identity from the routing fabric, executes them against the
// local compute runtime (batch or streaming), and publishes the responses
// back on the result exchange.
//
// Called by: external processes (CLI, containers, service managers)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/agent"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/fabric"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/logging"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/perf"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/response"
)

const defaultConfigPath = "config/agent.yaml"

func main() {
	configPath := defaultConfigPath
	if len(os.Args) >= 2 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component(logger, "agent")
	log.WithFields(map[string]interface{}{
		"agent_id": cfg.Agent.AgentID,
		"config":   configPath,
	}).Info("Starting simulator agent")

	broker, err := fabric.Dial(cfg.RabbitMQ, logging.Component(logger, "fabric"))
	if err != nil {
		log.WithError(err).Error("Failed to connect to routing fabric")
		os.Exit(1)
	}
	defer broker.Close()

	monitor, err := perf.New(cfg.Performance)
	if err != nil {
		log.WithError(err).Error("Failed to open performance log")
		os.Exit(1)
	}
	builder := response.NewBuilder(cfg.ResponseTemplates)
	batch := agent.NewBatchExecutor(cfg.Simulation, nil, builder, monitor, logging.Component(logger, "batch"))
	streaming := agent.NewStreamExecutor(cfg.Simulation, cfg.TCP, nil, builder, monitor, logging.Component(logger, "streaming"))
	handler := agent.NewHandler(cfg.Agent.AgentID, broker, batch, streaming, builder, logging.Component(logger, "handler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()

	if err := handler.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Error("Agent stopped with error")
		os.Exit(1)
	}
	log.Info("Simulator agent stopped")
}
