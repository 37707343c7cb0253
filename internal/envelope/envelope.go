// Package envelope defines the wire contract between clients, the bridge,
// and simulator agents: the simulation request and the uniform response
// envelope every outbound message uses.
//
// Payload normalization follows a fixed preference order: YAML first, JSON
// as a fallback, raw text last. Non-object payloads are rejected.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Simulation types carried in the request's type field.
const (
	TypeBatch     = "batch"
	TypeStreaming = "streaming"
)

// Response status values.
const (
	StatusCompleted  = "completed"
	StatusInProgress = "in_progress"
	StatusStreaming  = "streaming"
	StatusError      = "error"
)

// Keys the bridge writes into bridge_meta to remember routing identity.
const (
	MetaProtocol  = "protocol"
	MetaClientID  = "client_id"
	MetaSimulator = "simulator"
	MetaStage     = "stage"
)

// StageStreamStart marks the start-of-stream notice of a streaming run. It
// shares the completed status with the true final response, so adapters use
// this marker to keep the stream open.
const StageStreamStart = "stream_start"

// Origin protocol values stored under bridge_meta.protocol.
const (
	ProtocolInternal = "internal"
	ProtocolPubSub   = "pubsub"
	ProtocolHTTP     = "http"
)

// Request is a simulation request as carried on every inbound wire.
type Request struct {
	Simulation RequestBody `yaml:"simulation" json:"simulation"`
}

// RequestBody holds the request fields under the simulation key.
type RequestBody struct {
	RequestID    string                 `yaml:"request_id" json:"request_id"`
	ClientID     string                 `yaml:"client_id" json:"client_id"`
	Simulator    string                 `yaml:"simulator" json:"simulator"`
	Type         string                 `yaml:"type" json:"type"`
	File         string                 `yaml:"file" json:"file"`
	FunctionName string                 `yaml:"function_name,omitempty" json:"function_name,omitempty"`
	Inputs       map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Outputs is an ordered list of output names for batch requests, or a
	// field descriptor mapping for streaming requests.
	Outputs interface{} `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// BridgeMeta is set by the bridge to remember the origin protocol.
	// Clients must not set it.
	BridgeMeta map[string]string `yaml:"bridge_meta,omitempty" json:"bridge_meta,omitempty"`
}

// Function returns the entry-point symbol: function_name when set, otherwise
// the file name stripped of its extension.
func (b RequestBody) Function() string {
	if b.FunctionName != "" {
		return b.FunctionName
	}
	name := b.File
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

// OutputNames returns the ordered output names of a batch request.
func (b RequestBody) OutputNames() []string {
	switch v := b.Outputs.(type) {
	case []string:
		return v
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	default:
		return nil
	}
}

// Protocol returns the origin protocol recorded in bridge_meta.
func (b RequestBody) Protocol() string {
	return b.BridgeMeta[MetaProtocol]
}

// SetProtocol tags the request with its origin protocol.
func (r *Request) SetProtocol(protocol string) {
	if r.Simulation.BridgeMeta == nil {
		r.Simulation.BridgeMeta = make(map[string]string)
	}
	r.Simulation.BridgeMeta[MetaProtocol] = protocol
}

// Validate checks the schema fields every request must carry.
func (r *Request) Validate() error {
	b := r.Simulation
	if b.RequestID == "" {
		return &ValidationError{Field: "request_id", Message: "request_id is required"}
	}
	if b.ClientID == "" {
		return &ValidationError{Field: "client_id", Message: "client_id is required"}
	}
	if b.Simulator == "" {
		return &ValidationError{Field: "simulator", Message: "simulator is required"}
	}
	if b.Type != TypeBatch && b.Type != TypeStreaming {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("type must be %q or %q, got %q", TypeBatch, TypeStreaming, b.Type)}
	}
	if b.File == "" {
		return &ValidationError{Field: "file", Message: "file is required"}
	}
	return nil
}

// ValidationError reports a request schema violation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// SimulationInfo identifies the simulation a response belongs to.
type SimulationInfo struct {
	Name    string                 `yaml:"name" json:"name"`
	Type    string                 `yaml:"type" json:"type"`
	Outputs map[string]interface{} `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Progress reports partial completion of a running simulation.
type Progress struct {
	Percentage float64 `yaml:"percentage" json:"percentage"`
	Message    string  `yaml:"message,omitempty" json:"message,omitempty"`
}

// ErrorInfo describes a failed simulation.
type ErrorInfo struct {
	Message string      `yaml:"message" json:"message"`
	Type    string      `yaml:"type" json:"type"`
	Code    int         `yaml:"code" json:"code"`
	Details interface{} `yaml:"details,omitempty" json:"details,omitempty"`
}

// Response is the uniform envelope for every outbound message. Extra carries
// template-provided fields verbatim for forward compatibility.
type Response struct {
	Simulation *SimulationInfo        `yaml:"simulation,omitempty" json:"simulation,omitempty"`
	RequestID  string                 `yaml:"request_id,omitempty" json:"request_id,omitempty"`
	BridgeMeta map[string]string      `yaml:"bridge_meta,omitempty" json:"bridge_meta,omitempty"`
	Status     string                 `yaml:"status" json:"status"`
	Timestamp  string                 `yaml:"timestamp,omitempty" json:"timestamp,omitempty"`
	Data       map[string]interface{} `yaml:"data,omitempty" json:"data,omitempty"`
	Progress   *Progress              `yaml:"progress,omitempty" json:"progress,omitempty"`
	Error      *ErrorInfo             `yaml:"error,omitempty" json:"error,omitempty"`
	Sequence   *int64                 `yaml:"sequence,omitempty" json:"sequence,omitempty"`
	Metadata   map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	Extra map[string]interface{} `yaml:",inline" json:"-"`
}

// Protocol returns the origin protocol copied through bridge_meta.
func (r *Response) Protocol() string {
	return r.BridgeMeta[MetaProtocol]
}

// Terminal reports whether this envelope ends a request's response stream.
// The stream-start notice carries a completed status but does not end the
// stream.
func (r *Response) Terminal() bool {
	if r.BridgeMeta[MetaStage] == StageStreamStart {
		return false
	}
	return r.Status == StatusCompleted || r.Status == StatusError
}

// MarkStreamStart tags this envelope as the start-of-stream notice.
func (r *Response) MarkStreamStart() {
	if r.BridgeMeta == nil {
		r.BridgeMeta = make(map[string]string, 1)
	}
	r.BridgeMeta[MetaStage] = StageStreamStart
}

// ClientID returns the logical client recorded in bridge_meta, if any.
func (r *Response) ClientID() string {
	return r.BridgeMeta[MetaClientID]
}

// NewTimestamp returns the envelope timestamp format: ISO-8601 UTC.
func NewTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// MarshalJSON merges Extra fields into the envelope object.
func (r *Response) MarshalJSON() ([]byte, error) {
	type alias Response
	base, err := json.Marshal((*alias)(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// EncodeYAML serializes a response envelope for the broker and pub-sub wires.
func (r *Response) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// DecodeResponse parses a response envelope, YAML preferred, JSON fallback.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := yaml.Unmarshal(data, &resp); err == nil && resp.Status != "" {
		return &resp, nil
	}
	resp = Response{}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}
	return &resp, nil
}

// ParseError reports a payload that could not be normalized into a request.
type ParseError struct {
	// Kind is the error taxonomy entry: yaml_parse_error or validation_error.
	Kind string
	Err  error
}

func (e *ParseError) Error() string {
	return e.Kind + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Normalize parses raw inbound bytes into a validated request. YAML is tried
// first, then JSON; scalar or sequence payloads are rejected because a
// request must be an object.
func Normalize(raw []byte) (*Request, error) {
	var probe interface{}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		if jsonErr := json.Unmarshal(raw, &probe); jsonErr != nil {
			return nil, &ParseError{Kind: "yaml_parse_error", Err: err}
		}
	}
	if _, ok := probe.(map[string]interface{}); !ok {
		return nil, &ParseError{Kind: "yaml_parse_error", Err: fmt.Errorf("payload is not an object")}
	}

	var req Request
	if err := yaml.Unmarshal(raw, &req); err != nil {
		if jsonErr := json.Unmarshal(raw, &req); jsonErr != nil {
			return nil, &ParseError{Kind: "yaml_parse_error", Err: err}
		}
	}
	if err := req.Validate(); err != nil {
		return nil, &ParseError{Kind: "validation_error", Err: err}
	}
	return &req, nil
}

// EncodeRequest serializes a request for the broker wire.
func EncodeRequest(req *Request) ([]byte, error) {
	return yaml.Marshal(req)
}
