package plan

// ExecutionContext carries request identity through one execution. It is
// passed by value and never mutated.
type ExecutionContext struct {
	TraceID   string `json:"trace_id"`
	RequestID string `json:"request_id,omitempty"`
	Intent    string `json:"intent,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// WithTrace returns a copy with the trace ID filled in when it is empty.
func (ec ExecutionContext) WithTrace(traceID string) ExecutionContext {
	if ec.TraceID == "" {
		ec.TraceID = traceID
	}
	return ec
}
