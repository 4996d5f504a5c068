package vraft

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Tracer records what a handler did to replica state. Disabled tracers hand
// out nil traces, and every Trace method is a no-op on nil.
type Tracer struct {
	enabled bool
	logger  Logger
	status  func() Status
}

// NewTracer returns a tracer that snapshots state through status.
func NewTracer(enabled bool, logger Logger, status func() Status) *Tracer {
	return &Tracer{enabled: enabled, logger: logger, status: status}
}

// Trace is one handler invocation.
type Trace struct {
	ID      string   `json:"id"`
	Handler string   `json:"handler"`
	Message Message  `json:"message,omitempty"`
	Before  *Status  `json:"before"`
	After   *Status  `json:"after"`
	Events  []string `json:"events,omitempty"`

	t *Tracer
}

// Begin starts a trace for handler, capturing the state before it runs.
func (t *Tracer) Begin(handler string, m Message) *Trace {
	if t == nil || !t.enabled {
		return nil
	}
	before := t.status()
	return &Trace{ID: uuid.NewString(), Handler: handler, Message: m, Before: &before, t: t}
}

// Event appends a note to the trace.
func (tr *Trace) Event(format string, args ...interface{}) {
	if tr == nil {
		return
	}
	tr.Events = append(tr.Events, fmt.Sprintf(format, args...))
}

// End captures the state after the handler and logs the record.
func (tr *Trace) End() {
	if tr == nil {
		return
	}
	after := tr.t.status()
	tr.After = &after
	data, err := json.Marshal(tr)
	if err != nil {
		tr.t.logger.Warn("trace %s: %v", tr.ID, err)
		return
	}
	tr.t.logger.Debug("trace %s", data)
}
