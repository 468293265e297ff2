package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-social/internal/health"
)

// Options configures the admin listener.
type Options struct {
	// Port defaults to 9000.
	Port int
	// Metrics is mounted at /metrics when set.
	Metrics     http.Handler
	EnablePprof bool
	Liveness    health.Probe
	Readiness   health.Probe
	// OnPanic is called when a handler on the admin listener panics.
	OnPanic func()
}
