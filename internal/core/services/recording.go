package services

import (
	"bytes"
	"context"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/chainlens/chainlens/internal/core/domain"
)

// CorrelationError reports that a recording marker was present in the
// context but its buffer handle was missing. This is a bookkeeping defect in
// the instrumentation itself, never an expected condition, so it surfaces
// immediately and is not retried.
type CorrelationError struct {
	Op string
}

func (e *CorrelationError) Error() string {
	return "recording correlation failed during " + e.Op + ": context carries a recording marker with no buffer"
}

type recordingCtxKey struct{}
type stackCtxKey struct{}

// Recording holds the call buffer, call-path stack root, and cost counters
// for one root call. Wrappers locate it through the context installed by the
// Recorder; isolation between concurrent root calls is structural.
//
// The buffer is append-only: records are immutable once appended.
type Recording struct {
	mu    sync.Mutex
	calls []domain.CallRecord
	cost  domain.Cost
}

// NewRecording creates an empty recording scoped to one root call.
func NewRecording() *Recording {
	return &Recording{}
}

// WithRecording installs a recording into the context so that wrapped
// methods below this point append to it.
func WithRecording(ctx context.Context, rec *Recording) context.Context {
	return context.WithValue(ctx, recordingCtxKey{}, rec)
}

// ActiveRecording extracts the active recording from the context. The
// (nil, false, nil) return is the normal case for calls made outside any
// recording: callers must delegate transparently. A present-but-nil handle
// is a CorrelationError.
func ActiveRecording(ctx context.Context) (*Recording, bool, error) {
	v := ctx.Value(recordingCtxKey{})
	if v == nil {
		return nil, false, nil
	}
	rec, ok := v.(*Recording)
	if !ok || rec == nil {
		return nil, false, &CorrelationError{Op: "lookup"}
	}
	return rec, true, nil
}

// CallStack returns the call-path stack active at this point of the
// invocation, empty at the root.
func CallStack(ctx context.Context) []domain.CallFrame {
	if s, ok := ctx.Value(stackCtxKey{}).([]domain.CallFrame); ok {
		return s
	}
	return nil
}

// WithCallFrame pushes a frame onto a copy of the active call-path stack and
// returns both the derived context and the new stack. The parent stack is
// never mutated, so sibling calls (including concurrent ones) scope
// themselves correctly.
func WithCallFrame(ctx context.Context, frame domain.CallFrame) (context.Context, []domain.CallFrame) {
	parent := CallStack(ctx)
	stack := make([]domain.CallFrame, len(parent), len(parent)+1)
	copy(stack, parent)
	stack = append(stack, frame)
	return context.WithValue(ctx, stackCtxKey{}, stack), stack
}

// Append adds one immutable call record to the buffer. Safe for concurrent
// use by parallel branches of the same root call.
func (r *Recording) Append(call domain.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

// Len reports how many calls have been recorded so far.
func (r *Recording) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// AddCost folds a cost sample into the recording's counters.
func (r *Recording) AddCost(c domain.Cost) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cost.Add(c)
}

// Cost returns the accumulated counters.
func (r *Recording) Cost() domain.Cost {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cost
}

// Snapshot returns a copy of the buffer ordered by start time, so the root
// call (started first) comes out at index zero even though records are
// appended on completion.
func (r *Recording) Snapshot() []domain.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CallRecord, len(r.calls))
	copy(out, r.calls)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// GoroutineID parses the current goroutine's numeric id from the runtime
// stack header. Diagnostic only: it labels call records, nothing keys on it.
func GoroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// header looks like "goroutine 123 [running]:"
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		if id, err := strconv.ParseUint(string(buf[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}
