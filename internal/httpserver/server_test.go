package httpserver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-social/internal/envelope"
	"github.com/keithlinneman/linnemanlabs-social/internal/health"
	"github.com/keithlinneman/linnemanlabs-social/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
)

func jsonOK(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		envelope.WriteJSON(w, r, http.StatusOK, json.RawMessage(body))
	}
}

func defaultOpts() *Options {
	return &Options{GraphQL: jsonOK(`{"data":{"ok":true}}`)}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope.Detail {
	t.Helper()
	var d envelope.Detail
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
	}
	return d
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNewHandler_SecurityHeadersEverywhere(t *testing.T) {
	h := NewHandler(defaultOpts())
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/graphql"},
		{http.MethodGet, "/does-not-exist"},
		{http.MethodGet, "/-/healthy"},
		{http.MethodOptions, "/graphql"},
	} {
		rec := doRequest(t, h, tc.method, tc.path)
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s %s: missing nosniff", tc.method, tc.path)
		}
		if rec.Header().Get("Content-Security-Policy") == "" {
			t.Errorf("%s %s: missing CSP", tc.method, tc.path)
		}
	}
}

func TestNewHandler_RequestID(t *testing.T) {
	h := NewHandler(defaultOpts())

	rec := doRequest(t, h, http.MethodPost, "/graphql")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id should be generated")
	}

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("request id = %q, want propagated", got)
	}
}

func TestNewHandler_NotFoundUsesEnvelope(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if d := decodeEnvelope(t, rec); d.Status != 404 || d.Message != "Not Found" {
		t.Fatalf("envelope = %+v", d)
	}
}

func TestNewHandler_MethodNotAllowedUsesEnvelope(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), http.MethodDelete, "/graphql")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if d := decodeEnvelope(t, rec); d.Status != 405 {
		t.Fatalf("envelope = %+v", d)
	}
}

func TestNewHandler_Preflight(t *testing.T) {
	opts := defaultOpts()
	opts.CORS = httpmw.CORSOptions{AllowedOrigins: []string{"https://app.example"}}
	req := httptest.NewRequest(http.MethodOptions, "/graphql", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	NewHandler(opts).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("preflight = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestNewHandler_HealthEndpoints(t *testing.T) {
	gate := &health.ShutdownGate{}
	opts := defaultOpts()
	opts.Liveness = health.Fixed(true, "")
	opts.Readiness = gate.Probe()
	h := NewHandler(opts)

	if rec := doRequest(t, h, http.MethodGet, "/-/healthy"); rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthy = %d %q", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, http.MethodGet, "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("shutting down")
	if rec := doRequest(t, h, http.MethodGet, "/-/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready while draining = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodHead, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("HEAD healthy = %d", rec.Code)
	}
}

func TestNewHandler_ImagesRoute(t *testing.T) {
	opts := defaultOpts()
	opts.Images = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "img:"+chi.URLParam(r, "name"))
	})
	h := NewHandler(opts)

	rec := doRequest(t, h, http.MethodGet, "/images/cat.png")
	if rec.Code != http.StatusOK || rec.Body.String() != "img:cat.png" {
		t.Fatalf("GET image = %d %q", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, http.MethodHead, "/images/cat.png"); rec.Code != http.StatusOK {
		t.Fatalf("HEAD image = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/images/cat.png"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST image = %d", rec.Code)
	}
}

func TestNewHandler_GraphQLGroupOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	opts := &Options{
		Upload: mark("upload"),
		Auth:   mark("auth"),
		GraphQL: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "graphql")
			w.WriteHeader(http.StatusNoContent)
		}),
	}
	h := NewHandler(opts)

	doRequest(t, h, http.MethodPost, "/graphql")
	if strings.Join(order, ",") != "upload,auth,graphql" {
		t.Fatalf("order = %v", order)
	}

	order = nil
	doRequest(t, h, http.MethodGet, "/-/healthy")
	if len(order) != 0 {
		t.Fatalf("graphql group ran for health check: %v", order)
	}
}

func TestNewHandler_MaxBody(t *testing.T) {
	opts := defaultOpts()
	opts.MaxBodyBytes = 16
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	NewHandler(opts).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if d := decodeEnvelope(t, rec); d.Message != "Request body too large" {
		t.Fatalf("envelope = %+v", d)
	}
}

func TestNewHandler_RecoverUsesEnvelope(t *testing.T) {
	panics := 0
	opts := &Options{
		OnPanic: func() { panics++ },
		GraphQL: http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("resolver exploded") }),
	}
	rec := doRequest(t, NewHandler(opts), http.MethodPost, "/graphql")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	d := decodeEnvelope(t, rec)
	if d.Message != "Internal Server Error" || d.Status != 500 {
		t.Fatalf("envelope = %+v", d)
	}
	if strings.Contains(rec.Body.String(), "exploded") {
		t.Fatal("panic value leaked to client")
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d", panics)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing on panic response")
	}
}

func TestNewHandler_PipelineContext(t *testing.T) {
	var rc *pipeline.RequestContext
	var ip string
	opts := &Options{GraphQL: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, _ = pipeline.Lookup(r.Context())
		ip = httpmw.ClientIPFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})}
	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	NewHandler(opts).ServeHTTP(httptest.NewRecorder(), req)

	if rc == nil {
		t.Fatal("request context missing")
	}
	if rc.State() != pipeline.Done {
		t.Fatalf("state after return = %v, want Done", rc.State())
	}
	if ip != "192.0.2.10" {
		t.Fatalf("client ip = %q", ip)
	}
}

func TestNewHandler_OptionalMiddleware(t *testing.T) {
	var rateLimited, measured bool
	opts := defaultOpts()
	opts.RateLimitMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rateLimited = httpmw.ClientIPFromContext(r.Context()) != ""
			next.ServeHTTP(w, r)
		})
	}
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			measured = true
			next.ServeHTTP(w, r)
		})
	}
	doRequest(t, NewHandler(opts), http.MethodPost, "/graphql")
	if !rateLimited {
		t.Error("rate limiter should run after client ip resolution")
	}
	if !measured {
		t.Error("metrics middleware not applied")
	}
}

func TestNewHandler_CompressesJSON(t *testing.T) {
	opts := &Options{GraphQL: jsonOK(`{"data":{"text":"` + strings.Repeat("a", 2048) + `"}}`)}
	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	NewHandler(opts).ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.Contains(string(body), `"text"`) {
		t.Fatalf("decompressed body = %q", body)
	}

	req = httptest.NewRequest(http.MethodPost, "/graphql", nil)
	rec = httptest.NewRecorder()
	NewHandler(opts).ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "" {
		t.Fatal("compressed without Accept-Encoding")
	}
}

func TestNewHandler_NoGraphQL(t *testing.T) {
	rec := doRequest(t, NewHandler(&Options{}), http.MethodPost, "/graphql")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler())
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.ReadTimeout != DefaultReadTimeout ||
		srv.WriteTimeout != DefaultWriteTimeout || srv.IdleTimeout != DefaultIdleTimeout {
		t.Fatalf("timeouts = %+v", srv)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
	}
}

func TestStart_ServeAndStop(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts()
	opts.Port = port
	stop, err := Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/graphql", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Post(url, "application/json", strings.NewReader(`{}`))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("live response = %d", resp.StatusCode)
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Post(url, "application/json", nil); err == nil {
		t.Fatal("server still accepting after stop")
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	opts := defaultOpts()
	opts.Port = ln.Addr().(*net.TCPAddr).Port
	_, err = Start(context.Background(), opts)
	if err == nil {
		t.Fatal("expected listen error")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("err = %v, want *net.OpError in chain", err)
	}
}
