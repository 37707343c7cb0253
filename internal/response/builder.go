// Package response builds the outbound envelopes shared by the batch and
// streaming executors. Envelope shaping is table-driven from the
// response_templates configuration: each template may override the status
// string and contribute extra fields that are passed through verbatim.
package response

import (
	"fmt"
	"runtime/debug"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
)

// Error kinds of the failure taxonomy.
const (
	KindYAMLParse    = "yaml_parse_error"
	KindValidation   = "validation_error"
	KindMissingFile  = "missing_file"
	KindStartFailure = "matlab_start_failure"
	KindTimeout      = "timeout"
	KindInvalidCfg   = "invalid_config"
	KindExecution    = "execution_error"
	KindBadRequest   = "bad_request"
)

// defaultErrorCodes maps error kinds to wire codes when the configuration
// does not override them.
var defaultErrorCodes = map[string]int{
	KindYAMLParse:    400,
	KindValidation:   400,
	KindBadRequest:   400,
	KindMissingFile:  404,
	KindInvalidCfg:   400,
	KindStartFailure: 500,
	KindExecution:    500,
	KindTimeout:      504,
}

// Builder constructs response envelopes with consistent identity fields.
type Builder struct {
	templates config.ResponseTemplates
	codes     map[string]int
}

// NewBuilder merges the configured error-code table over the defaults.
func NewBuilder(templates config.ResponseTemplates) *Builder {
	codes := make(map[string]int, len(defaultErrorCodes)+len(templates.ErrorCodes))
	for kind, code := range defaultErrorCodes {
		codes[kind] = code
	}
	for kind, code := range templates.ErrorCodes {
		codes[kind] = code
	}
	return &Builder{templates: templates, codes: codes}
}

// ErrorCode resolves an error kind to its wire code.
func (b *Builder) ErrorCode(kind string) int {
	if code, ok := b.codes[kind]; ok {
		return code
	}
	return 500
}

// base stamps the fields every envelope carries: simulation identity,
// request id, bridge_meta copied through, and a UTC timestamp.
func (b *Builder) base(req *envelope.Request, tpl config.Template, status string) *envelope.Response {
	resp := &envelope.Response{
		Status:    status,
		Timestamp: envelope.NewTimestamp(),
	}
	if tpl.Status != "" {
		resp.Status = tpl.Status
	}
	if req != nil {
		resp.RequestID = req.Simulation.RequestID
		resp.Simulation = &envelope.SimulationInfo{
			Name: req.Simulation.File,
			Type: req.Simulation.Type,
		}
		if len(req.Simulation.BridgeMeta) > 0 {
			resp.BridgeMeta = make(map[string]string, len(req.Simulation.BridgeMeta))
			for k, v := range req.Simulation.BridgeMeta {
				resp.BridgeMeta[k] = v
			}
		}
	}
	if len(tpl.Fields) > 0 {
		resp.Extra = make(map[string]interface{}, len(tpl.Fields))
		for k, v := range tpl.Fields {
			resp.Extra[k] = v
		}
	}
	return resp
}

// Success builds a completed envelope. outputs may be nil for the streaming
// start notice and the streaming end-of-stream notice.
func (b *Builder) Success(req *envelope.Request, outputs map[string]interface{}, metadata map[string]interface{}) *envelope.Response {
	resp := b.base(req, b.templates.Success, envelope.StatusCompleted)
	if outputs != nil && resp.Simulation != nil {
		resp.Simulation.Outputs = outputs
	}
	resp.Metadata = metadata
	return resp
}

// Progress builds an in_progress envelope with an optional message and an
// optional data piggyback.
func (b *Builder) Progress(req *envelope.Request, percentage float64, message string, data map[string]interface{}) *envelope.Response {
	resp := b.base(req, b.templates.Progress, envelope.StatusInProgress)
	resp.Progress = &envelope.Progress{Percentage: percentage, Message: message}
	resp.Data = data
	return resp
}

// Streaming builds one mid-stream fragment carrying a parsed record.
func (b *Builder) Streaming(req *envelope.Request, data map[string]interface{}) *envelope.Response {
	resp := b.base(req, b.templates.Streaming, envelope.StatusStreaming)
	resp.Data = data
	return resp
}

// Error builds an error envelope for the given taxonomy kind. Stack traces
// are attached to details only when enabled in configuration.
func (b *Builder) Error(req *envelope.Request, kind string, err error) *envelope.Response {
	resp := b.base(req, b.templates.Error, envelope.StatusError)
	info := &envelope.ErrorInfo{
		Message: fmt.Sprintf("%v", err),
		Type:    kind,
		Code:    b.ErrorCode(kind),
	}
	if b.templates.IncludeStackTrace {
		info.Details = map[string]interface{}{"stack_trace": string(debug.Stack())}
	}
	resp.Error = info
	return resp
}

// WithSequence stamps a streaming fragment with its position in the
// per-request sequence.
func WithSequence(resp *envelope.Response, seq int64) *envelope.Response {
	resp.Sequence = &seq
	return resp
}
