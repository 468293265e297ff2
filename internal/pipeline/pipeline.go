// Package pipeline holds the per-request state shared by the stages of the
// request pipeline: which stage the request is in, the text fields read
// from a multipart body, the execution result, annotations for the access
// log, and the guard that keeps a response from being written twice.
//
// Stage-specific values (the upload outcome, the caller identity) are
// attached to the request context by the packages that produce them.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// State is the pipeline stage a request is in.
type State int

const (
	Preamble State = iota
	Uploading
	Authenticating
	Executing
	Responding
	Done
)

func (s State) String() string {
	switch s {
	case Preamble:
		return "preamble"
	case Uploading:
		return "uploading"
	case Authenticating:
		return "authenticating"
	case Executing:
		return "executing"
	case Responding:
		return "responding"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExecutionResult is either Success or Failure.
type ExecutionResult interface {
	isExecutionResult()
}

// Success carries the opaque data produced by the execution engine.
type Success struct {
	Data json.RawMessage
}

// Failure carries the error the execution engine captured.
type Failure struct {
	Cause error
}

func (Success) isExecutionResult() {}
func (Failure) isExecutionResult() {}

// RequestContext is created once per request by Begin and never shared
// across requests.
type RequestContext struct {
	mu          sync.Mutex
	state       State
	fields      map[string]string
	result      ExecutionResult
	annotations []any

	responded atomic.Bool
}

// New returns a RequestContext in the Preamble state.
func New() *RequestContext {
	return &RequestContext{state: Preamble}
}

// State reports the current stage.
func (rc *RequestContext) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Advance moves the request to s. Stages only move forward; any stage may
// jump straight to Responding.
func (rc *RequestContext) Advance(s State) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if s <= rc.state {
		return xerrors.Newf("pipeline: cannot move from %s to %s", rc.state, s)
	}
	rc.state = s
	return nil
}

// MarkResponded claims the right to write the response. It returns true
// exactly once per request; callers that get false must not write.
func (rc *RequestContext) MarkResponded() bool {
	if !rc.responded.CompareAndSwap(false, true) {
		return false
	}
	rc.mu.Lock()
	if rc.state < Responding {
		rc.state = Responding
	}
	rc.mu.Unlock()
	return true
}

// Responded reports whether a response has been claimed.
func (rc *RequestContext) Responded() bool { return rc.responded.Load() }

// SetFields records text fields read from a multipart body.
func (rc *RequestContext) SetFields(fields map[string]string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.fields = fields
}

// Fields returns the multipart text fields, nil when the body was not
// multipart.
func (rc *RequestContext) Fields() map[string]string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.fields
}

// SetResult records the execution outcome. Only the first call wins.
func (rc *RequestContext) SetResult(r ExecutionResult) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.result != nil {
		return false
	}
	rc.result = r
	return true
}

func (rc *RequestContext) Result() ExecutionResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.result
}

// Annotate adds key/value pairs to the request's access log line.
func (rc *RequestContext) Annotate(kv ...any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.annotations = append(rc.annotations, kv...)
}

// Annotations returns a copy of the recorded access log pairs.
func (rc *RequestContext) Annotations() []any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]any, len(rc.annotations))
	copy(out, rc.annotations)
	return out
}

func (rc *RequestContext) finish() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state = Done
}

type ctxKey struct{}

// WithContext returns ctx carrying rc.
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the RequestContext in ctx. Outside of Begin it
// returns a fresh detached RequestContext so callers never need nil checks.
func FromContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(ctxKey{}).(*RequestContext); ok && rc != nil {
		return rc
	}
	return New()
}

// Lookup is FromContext without the fallback.
func Lookup(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

// Begin attaches a fresh RequestContext to every request and moves it to
// Done once the handler chain returns.
func Begin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := New()
		defer rc.finish()
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), rc)))
	})
}

// Stage returns middleware that advances the request to s before calling
// next. Requests that already responded are not passed on.
func Stage(s State) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := FromContext(r.Context())
			if rc.Responded() {
				return
			}
			_ = rc.Advance(s)
			next.ServeHTTP(w, r)
		})
	}
}
