// Compute-session handling. The compute kernel is opaque to the agent: a
// session is a live handle capable of invoking a function with marshalled
// inputs and returning its outputs. The process-backed implementation
// launches the configured compute runtime and speaks newline-delimited JSON
// over its standard streams.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// sessionCloseGrace bounds how long Close waits for the runtime to exit
// before killing it.
const sessionCloseGrace = 10 * time.Second

// Session is a live handle to the compute kernel.
type Session interface {
	// Invoke runs the entry-point function with the given inputs and
	// returns nargout output values.
	Invoke(ctx context.Context, function string, inputs map[string]interface{}, nargout int) ([]interface{}, error)
	Close() error
}

// SessionStarter opens a compute session; the batch executor retries it on
// startup flakiness.
type SessionStarter func(ctx context.Context) (Session, error)

// invokeRequest is one line sent to the runtime's stdin.
type invokeRequest struct {
	Function string                 `json:"function"`
	Inputs   map[string]interface{} `json:"inputs"`
	Nargout  int                    `json:"nargout"`
}

// invokeReply is one line read from the runtime's stdout.
type invokeReply struct {
	Outputs []interface{} `json:"outputs"`
	Error   string        `json:"error,omitempty"`
}

type processSession struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	closed bool
}

// NewProcessStarter returns a SessionStarter launching the configured
// compute runtime with the simulation directory as working directory.
func NewProcessStarter(command, simPath string) SessionStarter {
	return func(ctx context.Context) (Session, error) {
		cmd := exec.CommandContext(ctx, command)
		cmd.Dir = simPath

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open runtime stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open runtime stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start compute runtime: %w", err)
		}
		return &processSession{
			cmd:    cmd,
			stdin:  stdin,
			stdout: bufio.NewReader(stdout),
		}, nil
	}
}

func (s *processSession) Invoke(ctx context.Context, function string, inputs map[string]interface{}, nargout int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session closed")
	}

	line, err := json.Marshal(invokeRequest{Function: function, Inputs: inputs, Nargout: nargout})
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoke request: %w", err)
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send invoke request: %w", err)
	}

	type result struct {
		reply invokeReply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := s.stdout.ReadBytes('\n')
		if err != nil {
			done <- result{err: fmt.Errorf("failed to read invoke reply: %w", err)}
			return
		}
		var reply invokeReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			done <- result{err: fmt.Errorf("failed to decode invoke reply: %w", err)}
			return
		}
		done <- result{reply: reply}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.reply.Error != "" {
			return nil, fmt.Errorf("compute error: %s", r.reply.Error)
		}
		return r.reply.Outputs, nil
	}
}

// Close ends the session: stdin close signals the runtime to exit, then the
// process is waited on with a grace period and killed if it lingers.
func (s *processSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(sessionCloseGrace):
		_ = s.cmd.Process.Kill()
		return <-done
	}
}
