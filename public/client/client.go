// Package client is a small Go client for the bridge's HTTP streaming
// endpoint. It posts a simulation request and exposes the newline-delimited
// response envelopes as an iterator.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
)

// Client talks to one bridge HTTP endpoint.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. to set TLS
// options or timeouts.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New builds a client for a bridge endpoint such as
// "http://localhost:8080/message".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		// Streaming responses stay open for the whole simulation, so the
		// client applies no overall request timeout by default.
		httpc: &http.Client{Transport: &http.Transport{
			IdleConnTimeout: 90 * time.Second,
		}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non-2xx reply from the bridge, carrying the decoded error body
// when one was present.
type Error struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("bridge rejected request (%d %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("bridge rejected request (%d)", e.StatusCode)
}

// Stream iterates the response envelopes of one simulation request.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Submit posts a request and returns the envelope stream. The caller must
// Close the stream.
func (c *Client) Submit(ctx context.Context, req *envelope.Request) (*Stream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach bridge: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next envelope, or io.EOF when the stream ends. Frames
// without envelope shape (like the initial processing acknowledgement) are
// returned as envelopes with only their decoded fields set.
func (s *Stream) Next() (*envelope.Response, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp envelope.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode stream frame: %w", err)
		}
		return &resp, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Collect drains the stream until its terminal envelope and returns it.
func (s *Stream) Collect() (*envelope.Response, error) {
	var last *envelope.Response
	for {
		resp, err := s.Next()
		if err == io.EOF {
			if last == nil {
				return nil, io.ErrUnexpectedEOF
			}
			return last, nil
		}
		if err != nil {
			return nil, err
		}
		last = resp
		if resp.Terminal() {
			return resp, nil
		}
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}

func decodeError(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); err == nil {
		if json.Unmarshal(raw, &body) == nil {
			e.Message = body.Error
			e.Type = body.Type
		}
	}
	return e
}
