package domain

import (
	"fmt"
	"strings"
	"time"
)

// PathStep is one field-access (or field+index) hop from a parent component
// to a nested one. Index is -1 for plain field access.
type PathStep struct {
	Field string `json:"field"`
	Index int    `json:"index"`
}

// CallPath locates a component inside the wrapped object graph, as the
// ordered sequence of steps from the root. It is not guaranteed unique at
// runtime: the same component may be reachable through several paths, in
// which case the last instrumented path wins.
type CallPath []PathStep

// Extend returns a new path with a field-access step appended. The receiver
// is never mutated; paths are shared across wrappers.
func (p CallPath) Extend(field string) CallPath {
	out := make(CallPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, PathStep{Field: field, Index: -1})
}

// ExtendIndex returns a new path with a field+index step appended, for
// elements of sequence-valued fields.
func (p CallPath) ExtendIndex(field string, index int) CallPath {
	out := make(CallPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, PathStep{Field: field, Index: index})
}

func (p CallPath) String() string {
	var b strings.Builder
	b.WriteString("app")
	for _, s := range p {
		b.WriteByte('.')
		b.WriteString(s.Field)
		if s.Index >= 0 {
			fmt.Fprintf(&b, "[%d]", s.Index)
		}
	}
	return b.String()
}

// MethodID identifies an instrumented method on a concrete component type.
type MethodID struct {
	Class string `json:"class"` // fully qualified type name
	Name  string `json:"name"`
}

// CallFrame ties a call path to the method executing at that position.
// The ordered list of frames active at invocation time reconstructs nesting.
type CallFrame struct {
	Path   CallPath `json:"path"`
	Method MethodID `json:"method"`
}

// CallRecord is one captured method invocation. Arguments are keyed by
// declared parameter name and exclude the receiver. Immutable once appended
// to a recording.
type CallRecord struct {
	CallID    string         `json:"call_id"`
	Stack     []CallFrame    `json:"stack"`
	Args      map[string]any `json:"args"`
	Returns   map[string]any `json:"returns,omitempty"`
	Error     string         `json:"error,omitempty"`
	Pid       int            `json:"pid"`
	Goroutine uint64         `json:"goroutine"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Method returns the identity of the innermost frame, i.e. the method this
// record captured.
func (c CallRecord) Method() MethodID {
	if len(c.Stack) == 0 {
		return MethodID{}
	}
	return c.Stack[len(c.Stack)-1].Method
}

// Depth is the nesting depth of the call inside the root invocation.
func (c CallRecord) Depth() int { return len(c.Stack) }

// Record is the finalized unit of observability: one per root call,
// immutable after assembly.
type Record struct {
	RecordID   string         `json:"record_id"`
	AppID      string         `json:"app_id"`
	MainInput  string         `json:"main_input,omitempty"`
	MainOutput string         `json:"main_output,omitempty"`
	Calls      []CallRecord   `json:"calls"`
	Cost       Cost           `json:"cost"`
	Error      string         `json:"error,omitempty"`
	Tags       string         `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
}

// LatencyMs is the wall-clock duration of the root call.
func (r *Record) LatencyMs() int64 {
	return r.EndedAt.Sub(r.StartedAt).Milliseconds()
}
