package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

func newTestLogger(t *testing.T, opts Options) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.Writer = &buf
	opts.JsonFormat = true
	if opts.App == "" {
		opts.App = "test"
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("decode %q: %v", lines[len(lines)-1], err)
	}
	return m
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "status error" }
func (e statusErr) HTTPStatus() int { return e.code }

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{" INFO ", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_BaseAttrs(t *testing.T) {
	l, buf := newTestLogger(t, Options{App: "social", Version: "1.2.3", BuildId: "b-9"})
	l.Info(context.Background(), "hello", "k", "v")

	rec := lastRecord(t, buf)
	if rec["msg"] != "hello" || rec["app"] != "social" || rec["version"] != "1.2.3" || rec["build_id"] != "b-9" {
		t.Fatalf("record = %v", rec)
	}
	if _, ok := rec["commit"]; ok {
		t.Fatal("empty commit should be omitted")
	}
	if rec["k"] != "v" {
		t.Fatalf("k = %v", rec["k"])
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newTestLogger(t, Options{Level: slog.LevelWarn})
	l.Debug(context.Background(), "d")
	l.Info(context.Background(), "i")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	l.Warn(context.Background(), "w")
	if lastRecord(t, buf)["level"] != "WARN" {
		t.Fatal("warn not logged")
	}
}

func TestWith_DoesNotLeakBetweenChildren(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	parent := l.With("req", "1")
	a := parent.With("child", "a")
	_ = parent.With("child", "b")

	a.Info(context.Background(), "x")
	rec := lastRecord(t, buf)
	if rec["req"] != "1" || rec["child"] != "a" {
		t.Fatalf("record = %v", rec)
	}
}

func TestOddKVIgnored(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	l.Info(context.Background(), "x", "a", 1, "dangling", 42, "b")
	rec := lastRecord(t, buf)
	if rec["a"] != float64(1) {
		t.Fatalf("a = %v", rec["a"])
	}
	if _, ok := rec["b"]; ok {
		t.Fatal("trailing key without value should be dropped")
	}
}

func TestError_Attrs(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	root := errors.New("disk full")
	err := xerrors.Wrap(xerrors.Wrap(root, "write blob"), "store image")
	l.Error(context.Background(), err, "upload failed")

	rec := lastRecord(t, buf)
	if rec["level"] != "ERROR" {
		t.Fatalf("level = %v", rec["level"])
	}
	if rec["err"] != "store image: write blob: disk full" {
		t.Fatalf("err = %v", rec["err"])
	}
	if rec["cause_type"] != "*errors.errorString" {
		t.Fatalf("cause_type = %v", rec["cause_type"])
	}
	chain, _ := rec["error_chain"].([]any)
	if len(chain) != 3 || chain[2] != "disk full" {
		t.Fatalf("error_chain = %v", rec["error_chain"])
	}
	if s, _ := rec["stack"].(string); s == "" {
		t.Fatal("error record should carry a stack")
	}
}

func TestError_HTTPStatus(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	l.Error(context.Background(), xerrors.Wrap(statusErr{code: 413}, "read body"), "rejected")

	rec := lastRecord(t, buf)
	if rec["http.response.status_code"] != float64(413) {
		t.Fatalf("status attr = %v", rec["http.response.status_code"])
	}
	if rec["error_type"] != "log.statusErr" {
		t.Fatalf("error_type = %v", rec["error_type"])
	}
}

func TestError_Links(t *testing.T) {
	l, buf := newTestLogger(t, Options{IncludeErrorLinks: true, MaxErrorLinks: 1})
	err := xerrors.Wrap(xerrors.Wrap(errors.New("root"), "inner"), "outer")
	l.Error(context.Background(), err, "failed")

	links, _ := lastRecord(t, buf)["error_links"].([]any)
	if len(links) != 1 {
		t.Fatalf("links = %v", links)
	}
	first, _ := links[0].(map[string]any)
	if fn, _ := first["func"].(string); !strings.Contains(fn, "TestError_Links") {
		t.Fatalf("first link func = %v", first["func"])
	}
}

func TestError_NilErr(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	l.Error(context.Background(), nil, "no error value")
	rec := lastRecord(t, buf)
	if _, ok := rec["err"]; ok {
		t.Fatal("nil error should not add err attr")
	}
}

func TestStacktraceLevel(t *testing.T) {
	l, buf := newTestLogger(t, Options{StacktraceLevel: slog.LevelWarn})
	l.Warn(context.Background(), "w")
	if s, _ := lastRecord(t, buf)["stack"].(string); s == "" {
		t.Fatalf("stack = %q", s)
	}
	l.Info(context.Background(), "i")
	if _, ok := lastRecord(t, buf)["stack"]; ok {
		t.Fatal("info should not carry a stack")
	}
}

func TestTraceIDs(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.Info(ctx, "traced")

	rec := lastRecord(t, buf)
	if rec["trace_id"] != sc.TraceID().String() || rec["span_id"] != sc.SpanID().String() {
		t.Fatalf("record = %v", rec)
	}
}

func TestSource(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	l.Info(context.Background(), "where")
	src, _ := lastRecord(t, buf)["source"].(map[string]any)
	if f, _ := src["file"].(string); !strings.HasSuffix(f, "log_test.go") {
		t.Fatalf("source = %v", src)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{App: "txt", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info(context.Background(), "plain")
	if !strings.Contains(buf.String(), "msg=plain") || !strings.Contains(buf.String(), "app=txt") {
		t.Fatalf("output = %q", buf.String())
	}
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info(context.Background(), "x")
	l.Error(context.Background(), errors.New("e"), "x")
	if l.With("a", 1) == nil {
		t.Fatal("With returned nil")
	}
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should give Nop")
	}
	l, _ := newTestLogger(t, Options{})
	if FromContext(WithContext(context.Background(), l)) != l {
		t.Fatal("logger not round-tripped through context")
	}
}

func TestErrorChain_Join(t *testing.T) {
	err := errors.Join(errors.New("a"), errors.New("b"))
	got := errorChain(err)
	if len(got) != 3 || got[1] != "a" || got[2] != "b" {
		t.Fatalf("chain = %v", got)
	}
}
