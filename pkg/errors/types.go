package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Planning errors
	ErrCodePlanInvalid        ErrorCode = "PLAN_INVALID"
	ErrCodeBudgetInsufficient ErrorCode = "BUDGET_INSUFFICIENT"
	ErrCodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"

	// Execution errors
	ErrCodePlanCancelled  ErrorCode = "PLAN_CANCELLED"
	ErrCodePlanTimeout    ErrorCode = "PLAN_TIMEOUT"
	ErrCodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
	ErrCodeRoutingFailed  ErrorCode = "ROUTING_FAILED"

	// Tool errors
	ErrCodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	ErrCodeToolExecution    ErrorCode = "TOOL_EXECUTION"
	ErrCodeToolTimeout      ErrorCode = "TOOL_TIMEOUT"
	ErrCodeToolInputInvalid ErrorCode = "TOOL_INPUT_INVALID"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeTransport        ErrorCode = "TRANSPORT"

	// Approval errors
	ErrCodeApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrCodeApprovalExpired  ErrorCode = "APPROVAL_EXPIRED"
	ErrCodeApprovalResolved ErrorCode = "APPROVAL_RESOLVED"
	ErrCodeApprovalNotFound ErrorCode = "APPROVAL_NOT_FOUND"

	// Storage errors
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// FailureMode classifies where a failure originated. Recovery decisions are
// made on the mode, never on the message.
type FailureMode string

const (
	ModeAgent    FailureMode = "AGENT"
	ModeSystem   FailureMode = "SYSTEM"
	ModeResource FailureMode = "RESOURCE"
	ModePolicy   FailureMode = "POLICY"
	ModeUser     FailureMode = "USER"
)

// defaultModes maps codes to the mode they carry unless overridden.
var defaultModes = map[ErrorCode]FailureMode{
	ErrCodeConfigLoad:         ModeUser,
	ErrCodeConfigParse:        ModeUser,
	ErrCodeConfigInvalid:      ModeUser,
	ErrCodePlanInvalid:        ModeUser,
	ErrCodeInvalidInput:       ModeUser,
	ErrCodeToolInputInvalid:   ModeUser,
	ErrCodeBudgetInsufficient: ModeResource,
	ErrCodeBudgetExceeded:     ModeResource,
	ErrCodePlanTimeout:        ModeResource,
	ErrCodePlanCancelled:      ModeUser,
	ErrCodeRoutingFailed:      ModeAgent,
	ErrCodeToolNotFound:       ModeAgent,
	ErrCodeToolExecution:      ModeAgent,
	ErrCodeToolTimeout:        ModeSystem,
	ErrCodeRateLimited:        ModeSystem,
	ErrCodeTransport:          ModeSystem,
	ErrCodeApprovalRejected:   ModePolicy,
	ErrCodeApprovalExpired:    ModePolicy,
	ErrCodeApprovalResolved:   ModeUser,
	ErrCodeApprovalNotFound:   ModeUser,
	ErrCodeStorageRead:        ModeSystem,
	ErrCodeStorageWrite:       ModeSystem,
	ErrCodeInvalidTransition:  ModeSystem,
	ErrCodeInternal:           ModeSystem,
}

// Error represents a structured foreman error
type Error struct {
	Code        ErrorCode
	Mode        FailureMode
	Message     string
	Underlying  error
	Context     map[string]any
	Stack       []Frame
	Retryable   bool
	UserMessage string
	Remediation []string
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Mode:    modeFor(code),
		Message: message,
		Context: make(map[string]any),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with foreman error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Mode:       modeFor(code),
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Stack:      captureStack(2),
	}
}

func modeFor(code ErrorCode) FailureMode {
	if m, ok := defaultModes[code]; ok {
		return m
	}
	return ModeSystem
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithMode overrides the failure mode derived from the code.
func (e *Error) WithMode(mode FailureMode) *Error {
	e.Mode = mode
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message returned to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// WithRemediation appends actionable remediation tips for the error.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) == 0 {
		return e
	}
	e.Remediation = append([]string{}, tips...)
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %v", k, e.Context[k])
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		fmt.Fprintf(&sb, ": %v", e.Underlying)
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// Explain returns the message meant for humans: the user message when one
// was set, otherwise the error text without stack information.
func (e *Error) Explain() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Error()
}

// StackTrace returns a formatted stack trace
func (e *Error) StackTrace() string {
	var sb strings.Builder

	sb.WriteString("Stack trace:\n")
	for i, frame := range e.Stack {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, frame.String())
		fmt.Fprintf(&sb, "     %s:%d\n", frame.File, frame.Line)
	}

	return sb.String()
}

// String formats a stack frame
func (f Frame) String() string {
	return f.Function
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr

	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, n)

	for i := 0; i < n; i++ {
		fn := runtime.FuncForPC(pcs[i])
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pcs[i])
		frames = append(frames, Frame{Function: fn.Name(), File: file, Line: line})
	}

	return frames
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsCode checks if any error in the chain has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	fe, ok := As(err)
	return ok && fe.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	fe, ok := As(err)
	if !ok {
		return ErrCodeInternal
	}
	return fe.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	fe, ok := As(err)
	return ok && fe.Retryable
}

// ModeOf reports the failure mode of err. Errors that carry no mode are
// treated as SYSTEM faults.
func ModeOf(err error) FailureMode {
	if err == nil {
		return ""
	}
	fe, ok := As(err)
	if !ok || fe.Mode == "" {
		return ModeSystem
	}
	return fe.Mode
}

// Explain returns a human-readable explanation for err.
func Explain(err error) string {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Explain()
	}
	return err.Error()
}
