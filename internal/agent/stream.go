// Streaming execution: the agent opens a local TCP listener, launches the
// compute process pointed at it, feeds the inputs over the accepted
// connection and relays every newline-delimited JSON fragment the process
// writes back as a streaming response.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/marshal"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/perf"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/response"
)

const (
	acceptTimeout   = 120 * time.Second
	terminateGrace  = 10 * time.Second
	streamReadChunk = 4096
)

// ProcessHandle is a running compute process as the executor sees it.
type ProcessHandle interface {
	Pid() int
	// Wait blocks until the process exits or the timeout elapses; the
	// returned bool reports whether it exited in time.
	Wait(timeout time.Duration) bool
	Terminate() error
	Kill() error
}

// Launcher starts the compute process for one streaming request, telling it
// which port to connect back on and which directory holds the simulation.
type Launcher func(ctx context.Context, port int, workdir string, req *envelope.RequestBody) (ProcessHandle, error)

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }

func (h *execHandle) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		_ = h.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *execHandle) Terminate() error { return h.cmd.Process.Signal(os.Interrupt) }
func (h *execHandle) Kill() error      { return h.cmd.Process.Kill() }

// NewProcessLauncher returns a Launcher running the configured compute
// runtime with the callback port and simulation file as arguments.
func NewProcessLauncher(command string) Launcher {
	return func(ctx context.Context, port int, workdir string, req *envelope.RequestBody) (ProcessHandle, error) {
		cmd := exec.CommandContext(ctx, command, "--port", strconv.Itoa(port), "--file", req.File)
		cmd.Dir = workdir
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start streaming process: %w", err)
		}
		return &execHandle{cmd: cmd}, nil
	}
}

// StreamExecutor runs streaming simulations.
type StreamExecutor struct {
	cfg     config.Simulation
	tcp     config.TCP
	launch  Launcher
	builder *response.Builder
	mon     *perf.Monitor
	log     *logrus.Entry

	// acceptTimeout is overridable in tests.
	acceptTimeout time.Duration
}

func NewStreamExecutor(cfg config.Simulation, tcp config.TCP, launch Launcher, builder *response.Builder, mon *perf.Monitor, log *logrus.Entry) *StreamExecutor {
	if launch == nil {
		launch = NewProcessLauncher(cfg.Command)
	}
	return &StreamExecutor{
		cfg:           cfg,
		tcp:           tcp,
		launch:        launch,
		builder:       builder,
		mon:           mon,
		log:           log,
		acceptTimeout: acceptTimeout,
	}
}

// Execute runs one streaming request. Fragments arrive through emit in the
// order the process produced them; the stream ends with either a completed
// or an error response.
func (e *StreamExecutor) Execute(ctx context.Context, req *envelope.Request, emit Emitter) {
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

	listener, err := e.listen()
	if err != nil {
		emit(e.builder.Error(req, response.KindExecution,
			fmt.Errorf("failed to open stream listener: %w", err)))
		return
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	op.MarkSessionStart()
	proc, err := e.launch(ctx, port, e.cfg.Path, body)
	if err != nil {
		emit(e.builder.Error(req, response.KindStartFailure, err))
		return
	}
	defer e.teardown(proc, op)

	notice := e.builder.Success(req, nil, map[string]interface{}{
		"message": "Streaming simulation started",
		"port":    port,
	})
	notice.MarkStreamStart()
	emit(notice)

	if deadline, ok := ctx.Deadline(); ok {
		_ = listener.SetDeadline(deadline)
	} else {
		_ = listener.SetDeadline(time.Now().Add(e.acceptTimeout))
	}
	conn, err := listener.Accept()
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			emit(e.builder.Error(req, response.KindTimeout,
				fmt.Errorf("streaming process never connected: %w", err)))
		} else {
			emit(e.builder.Error(req, response.KindExecution,
				fmt.Errorf("failed to accept stream connection: %w", err)))
		}
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Time{})
	op.MarkSessionReady()

	if err := e.sendInputs(conn, body); err != nil {
		emit(e.builder.Error(req, response.KindExecution, err))
		return
	}

	started := time.Now()
	seq, err := e.relay(conn, req, emit)
	if err != nil {
		emit(e.builder.Error(req, response.KindExecution, err))
		return
	}

	cpu, rss := perf.ProcessUsage(proc.Pid())
	emit(e.builder.Success(req, nil, map[string]interface{}{
		"execution_time_s": time.Since(started).Seconds(),
		"fragments":        seq,
		"process_cpu_pct":  cpu,
		"process_rss_mb":   rss,
		"agent_rss_mb":     perf.SelfUsage(),
	}))
	e.log.WithFields(logrus.Fields{
		"request_id": body.RequestID,
		"fragments":  seq,
	}).Info("Streaming simulation completed")
}

// listen binds the configured address, falling back to an ephemeral port so
// concurrent requests get distinct listeners.
func (e *StreamExecutor) listen() (*net.TCPListener, error) {
	addr := net.JoinHostPort(e.tcp.Host, strconv.Itoa(e.tcp.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		l, err = net.Listen("tcp", net.JoinHostPort(e.tcp.Host, "0"))
		if err != nil {
			return nil, err
		}
	}
	return l.(*net.TCPListener), nil
}

// sendInputs writes the marshalled inputs as a single JSON line.
func (e *StreamExecutor) sendInputs(conn net.Conn, req *envelope.RequestBody) error {
	inputs, err := marshal.ToComputeInputs(req.Inputs)
	if err != nil {
		return err
	}
	line, err := json.Marshal(map[string]interface{}{
		"function": req.Function(),
		"inputs":   inputs,
		"outputs":  req.OutputNames(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode stream inputs: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to send stream inputs: %w", err)
	}
	return nil
}

// relay reads newline-delimited JSON fragments off the connection until EOF
// and emits one response per fragment. Returns the fragment count.
func (e *StreamExecutor) relay(conn net.Conn, req *envelope.Request, emit Emitter) (int64, error) {
	var (
		buf bytes.Buffer
		seq int64
	)
	chunk := make([]byte, streamReadChunk)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				idx := bytes.IndexByte(buf.Bytes(), '\n')
				if idx < 0 {
					break
				}
				line := make([]byte, idx)
				copy(line, buf.Bytes()[:idx])
				buf.Next(idx + 1)
				if e.emitFragment(line, req, seq, emit) {
					seq++
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return seq, nil
			}
			return seq, fmt.Errorf("stream connection failed: %w", err)
		}
	}
}

// emitFragment decodes one fragment line and emits the matching response.
// Lines with a "progress" key become progress updates, everything else is
// relayed verbatim as streaming data. Returns false for undecodable lines,
// which are logged and skipped so the sequence stays gapless.
func (e *StreamExecutor) emitFragment(line []byte, req *envelope.Request, seq int64, emit Emitter) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	var frag map[string]interface{}
	if err := json.Unmarshal(line, &frag); err != nil {
		e.log.WithError(err).WithField("request_id", req.Simulation.RequestID).
			Warn("Discarding undecodable stream fragment")
		return false
	}

	var resp *envelope.Response
	if pct, ok := asPercentage(frag["progress"]); ok {
		msg, _ := frag["message"].(string)
		resp = e.builder.Progress(req, pct, msg, frag)
	} else {
		resp = e.builder.Streaming(req, frag)
	}
	emit(response.WithSequence(resp, seq))
	return true
}

// teardown asks the process to stop, waits out the grace period and kills
// it if it lingers.
func (e *StreamExecutor) teardown(proc ProcessHandle, op *perf.Operation) {
	if err := proc.Terminate(); err != nil {
		e.log.WithError(err).Debug("Terminate signal failed, killing process")
		_ = proc.Kill()
	} else if !proc.Wait(terminateGrace) {
		e.log.Warn("Streaming process ignored terminate, killing it")
		_ = proc.Kill()
	}
	op.MarkProcessStop()
	cpu, rss := perf.ProcessUsage(os.Getpid())
	if err := op.Complete(cpu, rss); err != nil {
		e.log.WithError(err).Warn("Failed to record performance sample")
	}
}

func asPercentage(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

