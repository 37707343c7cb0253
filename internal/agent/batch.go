// Batch execution: one compute session per request, synchronous invoke,
// single final result.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/marshal"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/perf"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/response"
)

const (
	sessionStartAttempts = 3
	sessionStartBackoff  = time.Second
)

// Emitter receives every response produced during an execution, in order.
type Emitter func(resp *envelope.Response)

// BatchExecutor runs batch simulations against a compute session.
//
// Lifecycle per request:
//  1. Verify the simulation file exists under the configured path.
//  2. Start a compute session, retrying with linear backoff.
//  3. Emit a 0% progress update, invoke the function, emit 50%.
//  4. Demarshal the outputs and emit the final completed response.
//
// The session is always closed before Execute returns.
type BatchExecutor struct {
	cfg     config.Simulation
	start   SessionStarter
	builder *response.Builder
	mon     *perf.Monitor
	log     *logrus.Entry
}

func NewBatchExecutor(cfg config.Simulation, start SessionStarter, builder *response.Builder, mon *perf.Monitor, log *logrus.Entry) *BatchExecutor {
	if start == nil {
		start = NewProcessStarter(cfg.Command, cfg.Path)
	}
	return &BatchExecutor{cfg: cfg, start: start, builder: builder, mon: mon, log: log}
}

// Execute runs one batch request and emits its responses. Every outcome,
// including errors, is reported through emit.
func (e *BatchExecutor) Execute(ctx context.Context, req *envelope.Request, emit Emitter) {
	body := &req.Simulation
	op := e.mon.Begin(body.RequestID)

	if body.File != "" {
		path := filepath.Join(e.cfg.Path, body.File)
		if _, err := os.Stat(path); err != nil {
			emit(e.builder.Error(req, response.KindMissingFile,
				fmt.Errorf("simulation file %q not found: %w", body.File, err)))
			return
		}
	}

	op.MarkSessionStart()
	session, err := e.startSession(ctx)
	if err != nil {
		emit(e.builder.Error(req, response.KindStartFailure, err))
		return
	}
	op.MarkSessionReady()
	defer func() {
		if cerr := session.Close(); cerr != nil {
			e.log.WithError(cerr).Warn("Compute session close reported an error")
		}
		op.MarkProcessStop()
		cpu, rss := perf.ProcessUsage(os.Getpid())
		if err := op.Complete(cpu, rss); err != nil {
			e.log.WithError(err).Warn("Failed to record performance sample")
		}
	}()

	emit(e.builder.Progress(req, 0, "Simulation starting", nil))

	names := body.OutputNames()
	inputs, err := marshal.ToComputeInputs(body.Inputs)
	if err != nil {
		emit(e.builder.Error(req, response.KindBadRequest, err))
		return
	}

	started := time.Now()
	raw, err := session.Invoke(ctx, body.Function(), inputs, len(names))
	elapsed := time.Since(started)
	if err != nil {
		if ctx.Err() != nil {
			emit(e.builder.Error(req, response.KindTimeout,
				fmt.Errorf("simulation exceeded its deadline: %w", ctx.Err())))
			return
		}
		emit(e.builder.Error(req, response.KindExecution, err))
		return
	}

	emit(e.builder.Progress(req, 50, "Simulation finished, collecting outputs", nil))

	outputs := make(map[string]interface{}, len(names))
	for i, name := range names {
		if i < len(raw) {
			outputs[name] = marshal.FromCompute(raw[i])
		}
	}

	emit(e.builder.Success(req, outputs, map[string]interface{}{
		"execution_time_s": elapsed.Seconds(),
	}))
	e.log.WithFields(logrus.Fields{
		"request_id": body.RequestID,
		"duration":   elapsed,
	}).Info("Batch simulation completed")
}

// startSession retries session startup with linear backoff between attempts.
func (e *BatchExecutor) startSession(ctx context.Context) (Session, error) {
	var lastErr error
	for attempt := 1; attempt <= sessionStartAttempts; attempt++ {
		session, err := e.start(ctx)
		if err == nil {
			return session, nil
		}
		lastErr = err
		e.log.WithError(err).WithField("attempt", attempt).Warn("Compute session startup failed")
		if attempt < sessionStartAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * sessionStartBackoff):
			}
		}
	}
	return nil, fmt.Errorf("compute session failed to start after %d attempts: %w",
		sessionStartAttempts, lastErr)
}
