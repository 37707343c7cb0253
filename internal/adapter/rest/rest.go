// Package restadapter accepts simulation requests over HTTP POST and holds
// the response open, streaming newline-delimited JSON envelopes back to the
// caller until the simulation terminates.
//
// Each accepted request registers a bounded fragment queue keyed by
// client_id; the bridge core feeds it through Deliver from its own
// goroutine. The response loop drains the queue, writing one JSON object per
// line, and closes on the terminal envelope, on a 600-second idle timeout,
// or when the caller goes away.
package restadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/adapter"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
)

const (
	defaultIdleTimeout = 600 * time.Second
	maxBodyBytes       = 16 << 20
	shutdownGrace      = 5 * time.Second
)

// Adapter is the HTTP streaming listener.
type Adapter struct {
	cfg     config.REST
	table   *StreamTable
	signals chan<- adapter.Signal
	log     *logrus.Entry

	idleTimeout time.Duration
	server      *http.Server
}

// New builds the adapter; the stream table is created internally.
func New(cfg config.REST, signals chan<- adapter.Signal, log *logrus.Entry) *Adapter {
	return &Adapter{
		cfg:         cfg,
		table:       NewStreamTable(),
		signals:     signals,
		log:         log,
		idleTimeout: defaultIdleTimeout,
	}
}

// Start serves the configured endpoint until Stop or context cancellation.
// TLS is enabled when a certificate and key file are configured.
func (a *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.InputEndpoint, a.handleMessage)

	a.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port),
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.CertFile != "" && a.cfg.KeyFile != "" {
			err = a.server.ListenAndServeTLS(a.cfg.CertFile, a.cfg.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()
	a.log.WithField("addr", a.server.Addr).Info("http streaming adapter listening")

	select {
	case <-ctx.Done():
		return a.Stop()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop shuts the server down, giving open streams a short grace period.
func (a *Adapter) Stop() error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return a.server.Shutdown(ctx)
}

// Deliver enqueues a fragment for the client's open stream. Returns false
// when the client has no live stream; the fragment is dropped.
func (a *Adapter) Deliver(clientID string, resp *envelope.Response) bool {
	return a.table.Offer(clientID, resp)
}

// handleMessage implements the per-request protocol: parse, register the
// fragment queue, hand the request to the bridge core, then stream fragments
// until a terminal envelope, timeout, or client disconnect.
func (a *Adapter) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.writeBadRequest(w, "bad_request", err)
		return
	}
	req, err := envelope.Normalize(body)
	if err != nil {
		kind := "yaml_parse_error"
		if parseErr, ok := err.(*envelope.ParseError); ok {
			kind = parseErr.Kind
		}
		a.writeBadRequest(w, kind, err)
		return
	}

	clientID := req.Simulation.ClientID
	req.SetProtocol(envelope.ProtocolHTTP)

	// At most one live stream per client: registering replaces any prior
	// entry, whose response loop observes the detach and stops.
	stream := a.table.Register(clientID)
	defer a.table.Detach(clientID, stream)

	select {
	case a.signals <- adapter.Signal{
		Class:    adapter.SignalInputHTTP,
		Protocol: envelope.ProtocolHTTP,
		Request:  req,
	}:
	case <-r.Context().Done():
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if !a.writeFrame(w, flusher, map[string]string{"status": "processing"}) {
		return
	}

	idle := time.NewTimer(a.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case frag := <-stream.Fragments():
			if !a.writeFrame(w, flusher, frag) {
				return
			}
			if frag.Terminal() {
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(a.idleTimeout)
		case <-idle.C:
			a.writeFrame(w, flusher, map[string]string{"status": "timeout"})
			return
		case <-stream.Detached():
			return
		case <-r.Context().Done():
			// Client went away; the compute run continues and its final
			// result is dropped at Deliver time.
			return
		}
	}
}

// writeFrame serializes one newline-terminated JSON object onto the open
// response body. A write failure abandons the stream.
func (a *Adapter) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame interface{}) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		a.log.WithError(err).Error("failed to encode stream frame")
		return false
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		a.log.WithError(err).Debug("stream write failed, abandoning")
		return false
	}
	if flusher != nil {
		flusher.Flush()
	}
	return true
}

// writeBadRequest answers a malformed payload with 400 and an error body;
// nothing is published internally.
func (a *Adapter) writeBadRequest(w http.ResponseWriter, kind string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"type":  kind,
	})
}
