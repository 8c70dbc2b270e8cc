package tool

import (
	"fmt"
	"time"
)

// Call is a request to run one tool on one server.
type Call struct {
	ID          string         `json:"id"`
	Server      string         `json:"server"`
	Tool        string         `json:"tool"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	CallerRoles []string       `json:"caller_roles,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Reserved Result.Metadata keys.
const (
	MetaExitCode         = "exit_code"
	MetaStdout           = "stdout"
	MetaStderr           = "stderr"
	MetaDurationMS       = "duration_ms"
	MetaTruncated        = "truncated"
	MetaTimedOut         = "timed_out"
	MetaViolation        = "violation"
	MetaDenied           = "denied"
	MetaApprovalRequired = "approval_required"
	MetaApprovalID       = "approval_id"
	MetaTransportError   = "transport_error"
)

// Result is the outcome of a call. A failed call is reported through
// Success=false and Error, never through a Go error.
type Result struct {
	Success  bool           `json:"success"`
	Content  any            `json:"content,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OK builds a successful result.
func OK(content any) *Result {
	return &Result{Success: true, Content: content}
}

// Fail builds a failed result.
func Fail(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

func Failf(format string, args ...any) *Result {
	return Fail(fmt.Sprintf(format, args...))
}

// Violation builds a failed result flagged as a sandbox violation.
func Violation(reason string) *Result {
	return Fail(reason).With(MetaViolation, reason)
}

// With sets a metadata key and returns r for chaining.
func (r *Result) With(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// ViolationReason returns the sandbox violation recorded on r, if any.
func (r *Result) ViolationReason() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[MetaViolation].(string)
	return s
}
