package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-social/internal/health"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func serve(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = remote
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_Routes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "uploads_total 3\n")
	})
	h := NewHandler(log.Nop(), Options{
		Metrics:   metrics,
		Liveness:  health.Fixed(true, ""),
		Readiness: health.Fixed(false, "datastore: down"),
	})

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/-/healthy", 200, "ok\n"},
		{"/-/ready", 503, "datastore: down\n"},
		{"/metrics", 200, "uploads_total 3\n"},
		{"/debug/pprof/", 404, ""},
	}
	for _, tt := range tests {
		rec := serve(h, tt.path, "127.0.0.1:5000")
		if rec.Code != tt.wantCode {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.wantCode)
		}
		if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
			t.Errorf("%s: body = %q", tt.path, rec.Body.String())
		}
	}
}

func TestNewHandler_NoMetrics(t *testing.T) {
	if rec := serve(NewHandler(nil, Options{}), "/metrics", "127.0.0.1:1"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	if rec := serve(NewHandler(log.Nop(), Options{EnablePprof: true}), "/debug/pprof/", "127.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewHandler_ProbePanicRecovered(t *testing.T) {
	var panics int
	h := NewHandler(log.Nop(), Options{
		Readiness: health.CheckFunc(func(context.Context) error { panic("probe bug") }),
		OnPanic:   func() { panics++ },
	})
	rec := serve(h, "/-/ready", "127.0.0.1:1")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d panics = %d", rec.Code, panics)
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := requireNonPublicNetwork(log.Nop(), ok)

	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:12345", 200},
		{"[::1]:12345", 200},
		{"10.0.0.1:8080", 200},
		{"172.16.0.1:8080", 200},
		{"192.168.1.1:8080", 200},
		{"169.254.1.1:8080", 200},
		{"[::ffff:10.0.0.1]:1", 200},
		{"8.8.8.8:12345", 403},
		{"203.0.113.1:80", 403},
		{"[::ffff:8.8.8.8]:1", 403},
		{"not-an-address", 403},
		{"", 403},
		{"999.999.999.999:8080", 403},
	}
	for _, tt := range tests {
		if rec := serve(h, "/-/ready", tt.remote); rec.Code != tt.want {
			t.Errorf("%q: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}

func TestStart_Lifecycle(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), Options{Port: port, Readiness: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/ready", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if _, err := Start(ctx, log.Nop(), Options{Port: port}); err == nil {
		t.Fatal("expected port conflict")
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("still serving after stop")
	}
}
